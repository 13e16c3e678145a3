package sidecar

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nahma/sidecar/pkg/keys"
	"github.com/nahma/sidecar/pkg/storage"
	"github.com/nahma/sidecar/pkg/types"
)

const (
	// deviceKeyFile holds the per-device secret under the storage
	// directory. The secret roots both the at-rest key hierarchy and
	// the swarm identity, so losing the file orphans the encrypted
	// update log but leaves metadata readable.
	deviceKeyFile = "device.key"

	// nodeSeedLabel separates the swarm identity seed from other uses
	// of the device secret.
	nodeSeedLabel = "nahma-node-v1"

	// docKeyCacheSize and docKeyCacheTTL bound the per-document key
	// cache. Folderless documents derive outside the chain deriver's
	// own cache, and argon2 is far too slow to re-run per update.
	docKeyCacheSize = 256
	docKeyCacheTTL  = keys.DefaultCacheTTL

	// maxFolderDepth mirrors the store's tree depth bound.
	maxFolderDepth = 64
)

// deviceSecret loads the device secret, generating and persisting it on
// first use. The file is hex so it can double as a derivation passphrase
// without encoding tricks.
func deviceSecret(dir string) (string, error) {
	path := filepath.Join(dir, deviceKeyFile)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		secret := strings.TrimSpace(string(raw))
		if _, derr := hex.DecodeString(secret); derr != nil || secret == "" {
			return "", fmt.Errorf("device key %s is not a hex string", path)
		}
		return secret, nil
	case os.IsNotExist(err):
	default:
		return "", fmt.Errorf("failed to read device key: %w", err)
	}

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", fmt.Errorf("failed to generate device key: %w", err)
	}
	secret := hex.EncodeToString(seed[:])
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write device key: %w", err)
	}
	return secret, nil
}

// ephemeralSecret generates a throwaway passphrase for runs without
// persistence. Nothing derived from it survives the process.
func ephemeralSecret() (string, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", fmt.Errorf("failed to generate ephemeral secret: %w", err)
	}
	return hex.EncodeToString(seed[:]), nil
}

// nodeIdentity derives the swarm identity from the device secret. The
// ed25519 seed is a labelled hash of the secret, so the public key is
// stable across restarts without a second file.
func nodeIdentity(secret string) types.PeerIdentity {
	seed := sha256.Sum256([]byte(nodeSeedLabel + ":" + secret))
	pub := ed25519.NewKeyFromSeed(seed[:]).Public().(ed25519.PublicKey)

	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "nahma-sidecar"
	}
	return types.PeerIdentity{
		PublicKey:   hex.EncodeToString(pub),
		DisplayName: name,
	}
}

// docKeyProvider resolves a document's at-rest key by walking its folder
// ancestry and deriving the chain rooted at the device secret. It keeps
// its own per-document cache: documents outside any folder take a
// two-step derivation that the chain deriver does not cache.
type docKeyProvider struct {
	store   storage.Store
	deriver *keys.Deriver
	secret  string
	cache   *expirable.LRU[string, []byte]
}

func newDocKeyProvider(store storage.Store, secret string) *docKeyProvider {
	return &docKeyProvider{
		store:   store,
		deriver: keys.NewDeriver(),
		secret:  secret,
		cache:   expirable.NewLRU[string, []byte](docKeyCacheSize, nil, docKeyCacheTTL),
	}
}

// DocumentKey implements relay.KeyProvider.
func (p *docKeyProvider) DocumentKey(docID string) ([]byte, error) {
	if key, ok := p.cache.Get(docID); ok {
		return key, nil
	}

	doc, err := p.store.GetDocument(docID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}

	folders, err := p.folderPath(doc.FolderID)
	if err != nil {
		return nil, err
	}

	var key []byte
	if len(folders) > 0 {
		chain, err := p.deriver.KeyChain(p.secret, keys.ChainPath{
			WorkspaceID: doc.WorkspaceID,
			FolderPath:  folders,
			DocumentID:  docID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to derive document key: %w", err)
		}
		key = chain.DocumentKey
	} else {
		chain, err := p.deriver.KeyChain(p.secret, keys.ChainPath{
			WorkspaceID: doc.WorkspaceID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to derive workspace key: %w", err)
		}
		key = keys.DeriveDocumentKey(chain.WorkspaceKey, docID)
	}

	p.cache.Add(docID, key)
	return key, nil
}

// folderPath resolves the root-first folder ids above folderID.
func (p *docKeyProvider) folderPath(folderID string) ([]string, error) {
	if folderID == "" {
		return nil, nil
	}
	var path []string
	for id := folderID; id != ""; {
		if len(path) >= maxFolderDepth {
			return nil, fmt.Errorf("folder ancestry exceeds %d levels", maxFolderDepth)
		}
		folder, err := p.store.GetFolder(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load folder: %w", err)
		}
		path = append(path, id)
		id = folder.ParentID
	}
	// Collected leaf first; the chain wants root first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}
