// Package identity manages the user's signing identity: a BIP-39 recovery
// mnemonic, the Ed25519 keypair derived from it, display metadata and the
// device list. The whole record is sealed at rest under an Argon2id
// passphrase key.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                     Identity Store                       │
//	│                                                          │
//	│  mnemonic ──bip39──▶ seed ──ed25519──▶ keypair           │
//	│                                                          │
//	│  Identity record ──json──▶ plaintext                     │
//	│       │                                                  │
//	│       ▼                                                  │
//	│  Argon2id(passphrase, salt) ──▶ key                      │
//	│       │                                                  │
//	│       ▼                                                  │
//	│  {version, base64(salt ‖ nonce ‖ box)} ──▶ identity.json │
//	└──────────────────────────────────────────────────────────┘
//
// # Core Components
//
//   - Identity: keypair, mnemonic, handle, color, icon, devices
//   - Store: file-backed sealed record under the storage directory
//   - Export/Import: portable blob carrying mnemonic plus metadata,
//     sealed under an independent passphrase
//
// # Usage
//
//	store, err := identity.NewStore(dir)
//	if err != nil { ... }
//
//	id, err := store.Create("passphrase", "alice", "linux")
//	if err != nil { ... }
//
//	id, err = store.Load("passphrase")
//	if errors.Is(err, identity.ErrWrongPassword) { ... }
//
// # Integration Points
//
//   - pkg/crypto: padded secretbox sealing and Ed25519 key derivation
//   - pkg/types: Device records
//   - cmd/nahma-sidecar: identity create/show/export/import/delete commands
//
// Update only touches handle, color, icon and devices; every other field in
// the input is dropped so callers cannot overwrite secret material. Export
// blobs omit the keypair entirely, it regenerates from the mnemonic.
package identity
