package coordinator

import (
	"sort"
	"sync"
)

// registry is the authoritative connection table.
// ARCHITECTURAL DISCOVERY: Only the coordinator holds it; the router and the
// gate see connections through Deliver and security contexts, never the maps.
type registry struct {
	mu     sync.RWMutex // TECHNICAL DISCOVERY: RWMutex favours the read-heavy fan-out path
	conns  map[string]*session
	byUser map[string]map[string]*session // userID -> connectionID -> session
	byOrg  map[string]map[string]*session // organizationID -> connectionID -> session
	byRoom map[string]map[string]*session // roomID -> connectionID -> session
}

func newRegistry() *registry {
	return &registry{
		conns:  make(map[string]*session),
		byUser: make(map[string]map[string]*session),
		byOrg:  make(map[string]map[string]*session),
		byRoom: make(map[string]map[string]*session),
	}
}

func (r *registry) add(s *session) error {
	sc := s.context()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[s.id]; exists {
		return ErrConnectionExists
	}
	r.conns[s.id] = s
	index(r.byUser, sc.UserID, s)
	index(r.byOrg, sc.OrganizationID, s)
	return nil
}

// remove drops a connection from every index. Idempotent.
func (r *registry) remove(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[id]
	if !ok {
		return nil
	}
	sc := s.context()
	delete(r.conns, id)
	unindex(r.byUser, sc.UserID, id)
	unindex(r.byOrg, sc.OrganizationID, id)
	for _, room := range s.roomIDs() {
		unindex(r.byRoom, room, id)
	}
	return s
}

func (r *registry) get(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.conns[id]
	return s, ok
}

func (r *registry) subscribe(roomID string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.conns[s.id]; !live {
		return
	}
	index(r.byRoom, roomID, s)
}

func (r *registry) unsubscribe(roomID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	unindex(r.byRoom, roomID, id)
}

// dropRoom forgets every subscription to roomID and returns the sessions
// that held one.
func (r *registry) dropRoom(roomID string) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := values(r.byRoom[roomID])
	delete(r.byRoom, roomID)
	return subs
}

func (r *registry) user(userID string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.byUser[userID])
}

func (r *registry) org(orgID string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.byOrg[orgID])
}

func (r *registry) room(roomID string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.byRoom[roomID])
}

func (r *registry) all() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.conns)
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func index(m map[string]map[string]*session, key string, s *session) {
	if m[key] == nil {
		m[key] = make(map[string]*session)
	}
	m[key][s.id] = s
}

// TECHNICAL DISCOVERY: Empty inner maps are deleted so churn does not leak.
func unindex(m map[string]map[string]*session, key, id string) {
	inner, ok := m[key]
	if !ok {
		return
	}
	delete(inner, id)
	if len(inner) == 0 {
		delete(m, key)
	}
}

// values returns sessions sorted by connection id so fan-out order is stable.
func values(m map[string]*session) []*session {
	out := make([]*session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
