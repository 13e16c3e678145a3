/*
Package keys implements the deterministic key derivation tree that turns a
user passphrase into workspace, folder, document, and topic keys.

# Derivation Tree

	passphrase
	    │
	    ├─ workspace_key = KDF("workspace", passphrase, workspaceId)
	    │       │
	    │       └─ folder_key = KDF("folder", parent_key, folderId)
	    │               │        (chained per nesting level)
	    │               └─ document_key = KDF("document", folder_key, docId)
	    │
	    └─ topic_hash = hex(SHA-256(KDF("topic", passphrase, docId)))

The KDF is Argon2id with parameters fixed at build time; every intermediate
output is 32 bytes. Labels feed the salt, so sibling derivations with equal
secrets live in disjoint domains. Identical inputs always produce
byte-identical outputs. That determinism is what lets two devices that
share a passphrase arrive at the same document key independently.

TopicHash names the relay rendezvous channel for a document. It binds
passphrase and document id but reveals neither, so it is safe to hand to
the relay plane and the swarm as a public identifier.

# Deriver cache

Argon2id is memory-hard on purpose, which makes repeated interactive
derivations expensive. Deriver wraps DeriveKeyChain with an expirable LRU
(hashicorp/golang-lru) keyed on a hash of the passphrase plus the path,
bounded in entry count and TTL. The passphrase itself never appears in the
cache index.

DeriveKeyChain fails with ErrDocumentWithoutFolder when asked for a
document key without the folder path that anchors it.
*/
package keys
