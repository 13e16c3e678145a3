/*
Package crypto provides the sidecar's cryptographic primitives: padded
authenticated encryption for CRDT updates and identity blobs, and detached
Ed25519 signatures for identity.

# Construction

EncryptUpdate composes three layers:

	┌───────────────── ENCRYPTED UPDATE BLOB ─────────────────┐
	│                                                         │
	│  [ 24-byte nonce ][ secretbox( padded plaintext ) ]     │
	│                                                         │
	│  padded plaintext =                                     │
	│    [ 4-byte BE length ][ data ][ zero padding ]         │
	│    rounded up to the next 4096-byte block               │
	│                                                         │
	└─────────────────────────────────────────────────────────┘

Padding is the point: every plaintext up to 4092 bytes produces ciphertext
of identical length, so the persisted update log leaks only a coarse size
class, never the exact edit size. The box itself is XSalsa20-Poly1305
(golang.org/x/crypto/nacl/secretbox); each encryption draws a fresh random
nonce.

# Failure behavior

DecryptUpdate returns ErrDecryptFailed for every malformed input (flipped
nonce, flipped ciphertext, truncated blob, corrupt length prefix, wrong
key) and never returns partial plaintext or panics. EncryptUpdate fails
only on a key of the wrong length.

# Signatures

Sign and Verify are thin wrappers over crypto/ed25519 producing 64-byte
detached signatures. SigningKeypairFromSeed derives a keypair
deterministically from a 32-byte seed, which is how a recovery mnemonic
regenerates an identity.

# Integration Points

  - pkg/relay encrypts every CRDT update before it reaches the store
  - pkg/identity seals the at-rest identity blob with the same construction
  - pkg/keys produces the 32-byte keys consumed here
*/
package crypto
