package relay

import "sync"

// ObserverGuard tracks which documents have an internal observer attached.
// A document can become visible to the relay twice, through a direct
// connection and through a metadata-level join; the guard collapses the
// two paths so at most one observer exists per document id. Registration
// of an already-observed id is a no-op.
type ObserverGuard struct {
	mu   sync.Mutex
	docs map[string]struct{}
}

// NewObserverGuard returns an empty guard.
func NewObserverGuard() *ObserverGuard {
	return &ObserverGuard{docs: make(map[string]struct{})}
}

// Register marks the document as observed. It reports whether this call
// attached the observer; false means one was already there.
func (g *ObserverGuard) Register(docID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.docs[docID]; ok {
		return false
	}
	g.docs[docID] = struct{}{}
	return true
}

// Unregister removes the document's observer mark.
func (g *ObserverGuard) Unregister(docID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.docs, docID)
}

// Registered reports whether the document has an observer attached.
func (g *ObserverGuard) Registered(docID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.docs[docID]
	return ok
}

// Size returns the number of observed documents.
func (g *ObserverGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.docs)
}
