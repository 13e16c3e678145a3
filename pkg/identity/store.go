package identity

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/nahma/sidecar/pkg/crypto"
	"github.com/nahma/sidecar/pkg/log"
	"github.com/nahma/sidecar/pkg/types"
)

const (
	// blobVersion is the on-disk container version this build reads and writes.
	blobVersion = 1

	// identityFile is the name of the sealed identity record inside the
	// storage directory.
	identityFile = "identity.json"

	saltSize = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	// ErrNoIdentity is returned when no identity has been created yet.
	ErrNoIdentity = errors.New("no identity found")

	// ErrWrongPassword is returned when the passphrase fails to open the
	// sealed record. Decryption failure and a wrong passphrase are
	// indistinguishable by construction.
	ErrWrongPassword = errors.New("wrong password")

	// ErrUnsupportedVersion is returned for sealed records written by an
	// unknown container version.
	ErrUnsupportedVersion = errors.New("unsupported identity blob version")
)

// blob is the on-disk container: a version tag and an opaque payload. The
// payload is base64(salt || nonce || box); everything the reader needs
// besides the passphrase lives inside it.
type blob struct {
	Version   int    `json:"version"`
	Encrypted string `json:"encrypted"`
}

// exportPayload is what travels inside an export blob. The keypair is not
// included; it regenerates from the mnemonic on import.
type exportPayload struct {
	Mnemonic  string    `json:"mnemonic"`
	Handle    string    `json:"handle"`
	Color     string    `json:"color,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store reads and writes the sealed identity record under a storage
// directory. All methods that open the record take the passphrase; the
// plaintext never touches disk.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, identityFile)
}

// Exists reports whether an identity record is present on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path())
	return err == nil
}

// Create generates a new identity and seals it to disk. It refuses to
// overwrite an existing record.
func (s *Store) Create(password, handle, platform string) (*Identity, error) {
	if s.Exists() {
		return nil, fmt.Errorf("identity already exists at %s", s.path())
	}
	id, err := New(handle, platform)
	if err != nil {
		return nil, err
	}
	if err := s.save(id, password); err != nil {
		return nil, err
	}
	logger := log.WithComponent("identity")
	logger.Info().
		Str("public_key", id.PublicKeyHex()).
		Msg("Identity created")
	return id, nil
}

// Load opens the sealed record with the passphrase.
func (s *Store) Load(password string) (*Identity, error) {
	raw, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoIdentity
		}
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var b blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	if b.Version != blobVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b.Version)
	}

	plaintext, err := open(b.Encrypted, password)
	if err != nil {
		return nil, err
	}

	var id Identity
	if err := json.Unmarshal(plaintext, &id); err != nil {
		return nil, fmt.Errorf("failed to decode identity record: %w", err)
	}
	return &id, nil
}

// Update loads the identity, applies the allowed fields and seals the result
// back to disk. Only handle, color, icon and devices can change; any other
// key in the input is dropped so that secret material cannot be clobbered.
func (s *Store) Update(password string, fields map[string]interface{}) (*Identity, error) {
	id, err := s.Load(password)
	if err != nil {
		return nil, err
	}

	for key, val := range fields {
		switch key {
		case "handle":
			if v, ok := val.(string); ok {
				id.Handle = v
			}
		case "color":
			if v, ok := val.(string); ok {
				id.Color = v
			}
		case "icon":
			if v, ok := val.(string); ok {
				id.Icon = v
			}
		case "devices":
			devices, err := decodeDevices(val)
			if err != nil {
				return nil, fmt.Errorf("invalid devices field: %w", err)
			}
			id.Devices = devices
		default:
			// Unknown keys are intentionally ignored.
		}
	}

	if err := s.save(id, password); err != nil {
		return nil, err
	}
	return id, nil
}

// TouchDevice updates the current device's last-seen timestamp and seals the
// record back to disk.
func (s *Store) TouchDevice(password string, now time.Time) (*Identity, error) {
	id, err := s.Load(password)
	if err != nil {
		return nil, err
	}
	for i := range id.Devices {
		if id.Devices[i].IsCurrent {
			id.Devices[i].LastSeen = now.UTC()
		}
	}
	if err := s.save(id, password); err != nil {
		return nil, err
	}
	return id, nil
}

// Delete removes the sealed record from disk. Deleting a missing record
// returns ErrNoIdentity.
func (s *Store) Delete() error {
	if err := os.Remove(s.path()); err != nil {
		if os.IsNotExist(err) {
			return ErrNoIdentity
		}
		return fmt.Errorf("failed to delete identity file: %w", err)
	}
	logger := log.WithComponent("identity")
	logger.Info().Msg("Identity deleted")
	return nil
}

// Export seals the mnemonic and display metadata under an export passphrase
// and returns the portable blob. The export passphrase is independent of the
// store passphrase.
func (s *Store) Export(password, exportPassword string) ([]byte, error) {
	id, err := s.Load(password)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(exportPayload{
		Mnemonic:  id.Mnemonic,
		Handle:    id.Handle,
		Color:     id.Color,
		Icon:      id.Icon,
		CreatedAt: id.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode export payload: %w", err)
	}

	encrypted, err := seal(payload, exportPassword)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(blob{Version: blobVersion, Encrypted: encrypted}, "", "  ")
}

// Import opens an export blob, regenerates the keypair from the mnemonic
// inside it, registers a fresh current device and seals the identity to disk
// under the store passphrase. It refuses to overwrite an existing record.
func (s *Store) Import(raw []byte, exportPassword, password, platform string) (*Identity, error) {
	if s.Exists() {
		return nil, fmt.Errorf("identity already exists at %s", s.path())
	}

	var b blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to parse export blob: %w", err)
	}
	if b.Version != blobVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b.Version)
	}

	plaintext, err := open(b.Encrypted, exportPassword)
	if err != nil {
		return nil, err
	}

	var payload exportPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode export payload: %w", err)
	}

	id, err := FromMnemonic(payload.Mnemonic, payload.Handle, platform)
	if err != nil {
		return nil, err
	}
	id.Color = payload.Color
	id.Icon = payload.Icon
	if !payload.CreatedAt.IsZero() {
		id.CreatedAt = payload.CreatedAt
	}

	if err := s.save(id, password); err != nil {
		return nil, err
	}
	logger := log.WithComponent("identity")
	logger.Info().
		Str("public_key", id.PublicKeyHex()).
		Msg("Identity imported")
	return id, nil
}

// save seals the identity under the passphrase and writes it atomically.
func (s *Store) save(id *Identity, password string) error {
	plaintext, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to encode identity record: %w", err)
	}

	encrypted, err := seal(plaintext, password)
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(blob{Version: blobVersion, Encrypted: encrypted}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity file: %w", err)
	}

	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// seal encrypts plaintext under a passphrase-derived key. The random KDF
// salt is prepended so the payload is self-contained.
func seal(plaintext []byte, password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := deriveKey(password, salt)
	box, err := crypto.EncryptUpdate(plaintext, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(append(salt, box...)), nil
}

// open reverses seal. Any failure to decrypt surfaces as ErrWrongPassword.
func open(encoded, password string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode identity payload: %w", err)
	}
	if len(raw) < saltSize {
		return nil, ErrWrongPassword
	}
	key := deriveKey(password, raw[:saltSize])
	plaintext, err := crypto.DecryptUpdate(raw[saltSize:], key)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plaintext, nil
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, crypto.KeySize)
}

func decodeDevices(val interface{}) ([]types.Device, error) {
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var devices []types.Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}
