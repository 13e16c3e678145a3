package identity

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/nahma/sidecar/pkg/crypto"
	"github.com/nahma/sidecar/pkg/types"
)

// Identity is a signing keypair plus the user-visible metadata attached to
// it. The secret key and mnemonic only ever exist in plaintext in memory;
// at rest the whole record is sealed under the user passphrase.
type Identity struct {
	PublicKey []byte         `json:"publicKey"` // 32 bytes
	SecretKey []byte         `json:"secretKey"` // 64 bytes
	Mnemonic  string         `json:"mnemonic"`
	Handle    string         `json:"handle"`
	Color     string         `json:"color,omitempty"`
	Icon      string         `json:"icon,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Devices   []types.Device `json:"devices"`
}

// PublicKeyHex returns the hex encoding of the public key, the form used
// as ownerId and session key at API boundaries.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PublicKey)
}

// CurrentDevice returns the device marked current, or nil.
func (id *Identity) CurrentDevice() *types.Device {
	for i := range id.Devices {
		if id.Devices[i].IsCurrent {
			return &id.Devices[i]
		}
	}
	return nil
}

// New generates a fresh identity: random mnemonic, keypair derived from the
// mnemonic, and a single current device for the given platform.
func New(handle, platform string) (*Identity, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return FromMnemonic(mnemonic, handle, platform)
}

// FromMnemonic deterministically regenerates an identity's keypair from its
// recovery mnemonic and attaches a fresh current device. The same mnemonic
// always yields the same keypair.
func FromMnemonic(mnemonic, handle, platform string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")
	pub, priv, err := crypto.SigningKeypairFromSeed(seed[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to derive keypair: %w", err)
	}

	now := time.Now().UTC()
	return &Identity{
		PublicKey: pub,
		SecretKey: priv,
		Mnemonic:  mnemonic,
		Handle:    handle,
		CreatedAt: now,
		Devices:   []types.Device{newDevice(platform, now)},
	}, nil
}

func newDevice(platform string, now time.Time) types.Device {
	return types.Device{
		ID:        uuid.New().String(),
		Platform:  platform,
		LastSeen:  now,
		IsCurrent: true,
	}
}

// attachDevice appends a new current device, demoting any previous one.
func (id *Identity) attachDevice(platform string, now time.Time) {
	for i := range id.Devices {
		id.Devices[i].IsCurrent = false
	}
	id.Devices = append(id.Devices, newDevice(platform, now))
}
