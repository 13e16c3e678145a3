package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the secretbox key length in bytes.
	KeySize = 32

	// NonceSize is the secretbox nonce length in bytes.
	NonceSize = 24

	// PadBlock is the padding block size. Every plaintext is padded to the
	// next multiple of this size so ciphertext length reveals nothing about
	// plaintext length below a block boundary.
	PadBlock = 4096

	// SignatureSize is the length of a detached signature in bytes.
	SignatureSize = ed25519.SignatureSize

	lengthPrefixSize = 4
)

// ErrDecryptFailed is returned for every decryption failure: bad MAC,
// tampered nonce, truncated blob, or corrupt length prefix. Callers get a
// single opaque error so failure modes are indistinguishable.
var ErrDecryptFailed = errors.New("decryption failed")

// GenerateKey returns a fresh 32-byte key from the system CSPRNG.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncryptUpdate encrypts data under key using XSalsa20-Poly1305.
//
// The plaintext is framed with a 4-byte big-endian length prefix and
// zero-padded to the next PadBlock boundary before sealing, so all inputs
// up to PadBlock-4 bytes produce ciphertext of identical length. A fresh
// random nonce is prepended to the returned blob.
//
// The only failure mode is a key of the wrong length.
func EncryptUpdate(data, key []byte) ([]byte, error) {
	boxKey, err := toBoxKey(key)
	if err != nil {
		return nil, err
	}

	padded := pad(data)

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to the nonce so the blob layout is nonce ‖ box.
	return secretbox.Seal(nonce[:], padded, &nonce, boxKey), nil
}

// DecryptUpdate reverses EncryptUpdate. It extracts the nonce, opens the
// box, reads the length prefix, and returns the original bytes. Any
// integrity or length failure returns ErrDecryptFailed with no partial
// data; DecryptUpdate never panics on malformed input.
func DecryptUpdate(blob, key []byte) ([]byte, error) {
	boxKey, err := toBoxKey(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < NonceSize+secretbox.Overhead {
		return nil, ErrDecryptFailed
	}

	var nonce [NonceSize]byte
	copy(nonce[:], blob[:NonceSize])

	padded, ok := secretbox.Open(nil, blob[NonceSize:], &nonce, boxKey)
	if !ok {
		return nil, ErrDecryptFailed
	}

	if len(padded) < lengthPrefixSize {
		return nil, ErrDecryptFailed
	}
	n := binary.BigEndian.Uint32(padded[:lengthPrefixSize])
	if uint64(n) > uint64(len(padded)-lengthPrefixSize) {
		return nil, ErrDecryptFailed
	}

	data := make([]byte, n)
	copy(data, padded[lengthPrefixSize:lengthPrefixSize+int(n)])
	return data, nil
}

// Sign returns a 64-byte detached Ed25519 signature of msg.
func Sign(msg, secretKey []byte) ([]byte, error) {
	if len(secretKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secretKey))
	}
	return ed25519.Sign(ed25519.PrivateKey(secretKey), msg), nil
}

// Verify reports whether sig is a valid detached signature of msg under
// publicKey. Malformed keys or signatures verify as false, never panic.
func Verify(msg, sig, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, sig)
}

// NewSigningKeypair generates an Ed25519 keypair (32-byte public key,
// 64-byte secret key).
func NewSigningKeypair() (publicKey, secretKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return pub, priv, nil
}

// SigningKeypairFromSeed deterministically derives an Ed25519 keypair from
// a 32-byte seed. The same seed always yields the same keypair.
func SigningKeypairFromSeed(seed []byte) (publicKey, secretKey []byte, err error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

// pad frames data with a 4-byte big-endian length prefix and zero-pads the
// result to the next PadBlock multiple.
func pad(data []byte) []byte {
	total := lengthPrefixSize + len(data)
	blocks := (total + PadBlock - 1) / PadBlock
	if blocks == 0 {
		blocks = 1
	}
	padded := make([]byte, blocks*PadBlock)
	binary.BigEndian.PutUint32(padded, uint32(len(data)))
	copy(padded[lengthPrefixSize:], data)
	return padded
}

func toBoxKey(key []byte) (*[KeySize]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	var k [KeySize]byte
	copy(k[:], key)
	return &k, nil
}
