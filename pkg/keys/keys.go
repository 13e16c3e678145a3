package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters are fixed at build time. Changing any of them changes
// every derived key, so they are not configurable.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4

	// KeyLen is the length of every derived key in bytes.
	KeyLen = 32
)

// Domain separation labels for the derivation tree.
const (
	labelWorkspace = "workspace"
	labelFolder    = "folder"
	labelDocument  = "document"
	labelTopic     = "topic"
)

// ErrDocumentWithoutFolder is returned by DeriveKeyChain when a document id
// is given with an empty folder path.
var ErrDocumentWithoutFolder = errors.New("document key requires a folder path")

// ChainPath names one location in the workspace tree for which a full key
// chain can be derived.
type ChainPath struct {
	WorkspaceID string
	FolderPath  []string // folder ids from workspace root downward
	DocumentID  string   // optional; requires a non-empty FolderPath
}

// KeyChain holds every intermediate key along a ChainPath.
type KeyChain struct {
	WorkspaceKey []byte
	FolderKeys   [][]byte // one per folder in path order
	DocumentKey  []byte   // nil when no document id was given
}

// derive runs the labelled Argon2id step. The label and id feed the salt so
// sibling derivations with the same secret never collide; the secret feeds
// the password slot. Output is deterministic for identical inputs.
func derive(label string, secret, id []byte) []byte {
	salt := sha256.Sum256(append([]byte(label+"\x00"), id...))
	return argon2.IDKey(secret, salt[:], argonTime, argonMemory, argonThreads, KeyLen)
}

// DeriveWorkspaceKey derives the root key for a workspace from the user
// passphrase.
func DeriveWorkspaceKey(password, workspaceID string) []byte {
	return derive(labelWorkspace, []byte(password), []byte(workspaceID))
}

// DeriveFolderKey derives a folder key from its parent key (the workspace
// key for top-level folders, the enclosing folder key otherwise).
func DeriveFolderKey(parentKey []byte, folderID string) []byte {
	return derive(labelFolder, parentKey, []byte(folderID))
}

// DeriveDocumentKey derives a document key from its folder key.
func DeriveDocumentKey(folderKey []byte, documentID string) []byte {
	return derive(labelDocument, folderKey, []byte(documentID))
}

// TopicHash derives the rendezvous topic for a document: the hex encoding
// of a hash over the topic-domain derivation. The result binds passphrase
// and document id without revealing either and is safe to use as a public
// channel name.
func TopicHash(password, documentID string) string {
	k := derive(labelTopic, []byte(password), []byte(documentID))
	sum := sha256.Sum256(k)
	return hex.EncodeToString(sum[:])
}

// Deriver derives key chains with an in-process LRU over recent results.
// Argon2id is deliberately slow, so interactive flows (opening a document,
// joining a topic) hit the cache for repeated paths. Entries are keyed on
// a hash of the password plus the path, bounded in count, and expire after
// a TTL.
type Deriver struct {
	cache *expirable.LRU[string, *KeyChain]
}

// DefaultCacheSize bounds the number of cached chains; DefaultCacheTTL
// bounds how long a chain may be served without re-deriving.
const (
	DefaultCacheSize = 128
	DefaultCacheTTL  = 10 * time.Minute
)

// NewDeriver creates a Deriver with the default cache bounds.
func NewDeriver() *Deriver {
	return NewDeriverWithCache(DefaultCacheSize, DefaultCacheTTL)
}

// NewDeriverWithCache creates a Deriver with explicit cache bounds.
func NewDeriverWithCache(size int, ttl time.Duration) *Deriver {
	return &Deriver{
		cache: expirable.NewLRU[string, *KeyChain](size, nil, ttl),
	}
}

// KeyChain derives every key along path. Results are deterministic given
// identical inputs; repeated calls are served from the cache.
func (d *Deriver) KeyChain(password string, path ChainPath) (*KeyChain, error) {
	if path.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	if path.DocumentID != "" && len(path.FolderPath) == 0 {
		return nil, ErrDocumentWithoutFolder
	}

	ck := cacheKey(password, path)
	if chain, ok := d.cache.Get(ck); ok {
		return chain, nil
	}

	chain := &KeyChain{
		WorkspaceKey: DeriveWorkspaceKey(password, path.WorkspaceID),
	}

	parent := chain.WorkspaceKey
	for _, folderID := range path.FolderPath {
		if folderID == "" {
			return nil, fmt.Errorf("empty folder id in path")
		}
		fk := DeriveFolderKey(parent, folderID)
		chain.FolderKeys = append(chain.FolderKeys, fk)
		parent = fk
	}

	if path.DocumentID != "" {
		chain.DocumentKey = DeriveDocumentKey(parent, path.DocumentID)
	}

	d.cache.Add(ck, chain)
	return chain, nil
}

// cacheKey hashes the password so plaintext passphrases never sit in the
// cache index, then appends the path components.
func cacheKey(password string, path ChainPath) string {
	ph := sha256.Sum256([]byte(password))
	var b strings.Builder
	b.WriteString(hex.EncodeToString(ph[:]))
	b.WriteByte('/')
	b.WriteString(path.WorkspaceID)
	for _, f := range path.FolderPath {
		b.WriteByte('/')
		b.WriteString(f)
	}
	if path.DocumentID != "" {
		b.WriteByte('#')
		b.WriteString(path.DocumentID)
	}
	return b.String()
}
