package broker

import (
	"sync"

	"github.com/nahma/sidecar/pkg/metrics"
)

// subscriberSet is one workspace's live subscribers. Each set carries its
// own lock so broadcasts in different workspaces never contend.
type subscriberSet struct {
	mu      sync.RWMutex
	members map[*session]struct{}
}

func (s *subscriberSet) add(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[sess] = struct{}{}
}

func (s *subscriberSet) remove(sess *session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, sess)
	return len(s.members)
}

func (s *subscriberSet) contains(sess *session) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[sess]
	return ok
}

// snapshot copies the member list so fan-out writes happen outside the
// lock. A subscriber joining mid-broadcast catches up on the next event.
func (s *subscriberSet) snapshot() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session, 0, len(s.members))
	for sess := range s.members {
		out = append(out, sess)
	}
	return out
}

// Registry tracks which sessions subscribed to which workspaces, the
// sessions belonging to each user key, and which documents a session holds
// open. Workspace sets are individually locked; the user and open-document
// indexes share the registry lock.
type Registry struct {
	mu         sync.RWMutex
	workspaces map[string]*subscriberSet
	users      map[string]map[*session]struct{}
	open       map[string]map[*session]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workspaces: make(map[string]*subscriberSet),
		users:      make(map[string]map[*session]struct{}),
		open:       make(map[string]map[*session]struct{}),
	}
}

// Register indexes a keyed session under its user key.
func (r *Registry) Register(sess *session) {
	key := sess.sessionKey()
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.users[key]
	if !ok {
		set = make(map[*session]struct{})
		r.users[key] = set
	}
	set[sess] = struct{}{}
}

// Join subscribes a session to a workspace's event stream.
func (r *Registry) Join(workspaceID string, sess *session) {
	r.mu.Lock()
	set, ok := r.workspaces[workspaceID]
	if !ok {
		set = &subscriberSet{members: make(map[*session]struct{})}
		r.workspaces[workspaceID] = set
	}
	r.mu.Unlock()

	set.add(sess)
	sess.mu.Lock()
	sess.joined[workspaceID] = struct{}{}
	sess.mu.Unlock()
	metrics.SubscriptionsActive.WithLabelValues("workspace").Inc()
}

// Leave drops the subscription. Empty sets are pruned.
func (r *Registry) Leave(workspaceID string, sess *session) {
	r.mu.Lock()
	set, ok := r.workspaces[workspaceID]
	r.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	_, wasJoined := sess.joined[workspaceID]
	delete(sess.joined, workspaceID)
	sess.mu.Unlock()
	if !wasJoined {
		return
	}

	if set.remove(sess) == 0 {
		r.mu.Lock()
		// Re-check under the lock; a concurrent Join may have repopulated it.
		set.mu.RLock()
		empty := len(set.members) == 0
		set.mu.RUnlock()
		if empty {
			delete(r.workspaces, workspaceID)
		}
		r.mu.Unlock()
	}
	metrics.SubscriptionsActive.WithLabelValues("workspace").Dec()
}

// Subscribed reports whether the session joined the workspace.
func (r *Registry) Subscribed(workspaceID string, sess *session) bool {
	r.mu.RLock()
	set, ok := r.workspaces[workspaceID]
	r.mu.RUnlock()
	return ok && set.contains(sess)
}

// Subscribers returns a snapshot of the workspace's live sessions.
func (r *Registry) Subscribers(workspaceID string) []*session {
	r.mu.RLock()
	set, ok := r.workspaces[workspaceID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return set.snapshot()
}

// SessionsForUser returns every live session keyed by the given user.
func (r *Registry) SessionsForUser(userID string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[userID]
	out := make([]*session, 0, len(set))
	for sess := range set {
		out = append(out, sess)
	}
	return out
}

// MarkOpen records that the session holds the document open.
func (r *Registry) MarkOpen(docID string, sess *session) {
	r.mu.Lock()
	set, ok := r.open[docID]
	if !ok {
		set = make(map[*session]struct{})
		r.open[docID] = set
	}
	set[sess] = struct{}{}
	r.mu.Unlock()

	sess.mu.Lock()
	sess.opened[docID] = struct{}{}
	sess.mu.Unlock()
	metrics.SubscriptionsActive.WithLabelValues("open-doc").Inc()
}

// OpenUsers returns the distinct user keys holding any of the documents
// open. Folder-delete broadcasts carry this so clients can close editors.
func (r *Registry) OpenUsers(docIDs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, id := range docIDs {
		for sess := range r.open[id] {
			key := sess.sessionKey()
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

// Drop removes the session from every index. Called exactly once from the
// reader goroutine's teardown.
func (r *Registry) Drop(sess *session) {
	sess.mu.Lock()
	joined := make([]string, 0, len(sess.joined))
	for id := range sess.joined {
		joined = append(joined, id)
	}
	opened := make([]string, 0, len(sess.opened))
	for id := range sess.opened {
		opened = append(opened, id)
	}
	key := sess.key
	sess.mu.Unlock()

	for _, id := range joined {
		r.Leave(id, sess)
	}

	r.mu.Lock()
	for _, id := range opened {
		if set, ok := r.open[id]; ok {
			delete(set, sess)
			if len(set) == 0 {
				delete(r.open, id)
			}
			metrics.SubscriptionsActive.WithLabelValues("open-doc").Dec()
		}
	}
	if key != "" {
		if set, ok := r.users[key]; ok {
			delete(set, sess)
			if len(set) == 0 {
				delete(r.users, key)
			}
		}
	}
	r.mu.Unlock()
}

// CloseOpenDocs drops open-document marks for the given ids, returning the
// sessions that held them. Used when a delete cascade invalidates editors.
func (r *Registry) CloseOpenDocs(docIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range docIDs {
		set, ok := r.open[id]
		if !ok {
			continue
		}
		for sess := range set {
			sess.mu.Lock()
			delete(sess.opened, id)
			sess.mu.Unlock()
			metrics.SubscriptionsActive.WithLabelValues("open-doc").Dec()
		}
		delete(r.open, id)
	}
}
