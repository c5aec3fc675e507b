package coordinator

import (
	"sort"
	"sync"
	"time"

	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// session is the coordinator's view of one live connection.
type session struct {
	id          string
	peer        interfaces.Peer
	connectedAt time.Time

	mu         sync.Mutex
	sc         *types.SecurityContext
	status     types.ConnectionStatus
	lastSeen   time.Time
	degradedAt time.Time
	rooms      map[string]struct{}

	// sendMu serializes seq assignment with the send itself, so a peer
	// observes its envelopes in seq order.
	sendMu sync.Mutex
	seq    uint64
	replay *ring
}

func newSession(peer interfaces.Peer, sc *types.SecurityContext, now time.Time, replaySize int) *session {
	return &session{
		id:          peer.ID(),
		peer:        peer,
		connectedAt: now,
		sc:          sc,
		status:      types.StatusConnecting,
		lastSeen:    now,
		rooms:       make(map[string]struct{}),
		replay:      newRing(replaySize),
	}
}

func (s *session) context() *types.SecurityContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sc
}

func (s *session) snapshot() (*types.SecurityContext, types.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sc, s.status
}

func (s *session) currentStatus() types.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) transition(next types.ConnectionStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.CanTransition(next) {
		return ErrInvalidTransition
	}
	s.status = next
	if next == types.StatusDegraded {
		s.degradedAt = now
	} else {
		s.degradedAt = time.Time{}
	}
	return nil
}

func (s *session) rebind(sc *types.SecurityContext) {
	s.mu.Lock()
	s.sc = sc
	s.mu.Unlock()
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
	s.mu.Unlock()
}

func (s *session) joinRoom(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *session) leaveRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	return ok
}

func (s *session) roomIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *session) lastSeq() uint64 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.seq
}

func (s *session) info() ConnectionInfo {
	s.mu.Lock()
	info := ConnectionInfo{
		ConnectionID:   s.id,
		UserID:         s.sc.UserID,
		OrganizationID: s.sc.OrganizationID,
		Status:         s.status,
		ConnectedAt:    s.connectedAt,
		LastSeen:       s.lastSeen,
		DegradedAt:     s.degradedAt,
	}
	s.mu.Unlock()
	info.Rooms = s.roomIDs()
	info.Seq = s.lastSeq()
	return info
}

// ConnectionInfo is the operational view of one connection.
type ConnectionInfo struct {
	ConnectionID   string                 `json:"connectionId"`
	UserID         string                 `json:"userId"`
	OrganizationID string                 `json:"organizationId"`
	Status         types.ConnectionStatus `json:"status"`
	ConnectedAt    time.Time              `json:"connectedAt"`
	LastSeen       time.Time              `json:"lastSeen"`
	DegradedAt     time.Time              `json:"degradedAt,omitempty"`
	Rooms          []string               `json:"rooms"`
	Seq            uint64                 `json:"seq"`
}

// ring holds the most recent envelopes delivered to one connection.
type ring struct {
	mu    sync.Mutex
	buf   []*types.OutboundEnvelope
	start int
	n     int
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{buf: make([]*types.OutboundEnvelope, size)}
}

func (r *ring) push(env *types.OutboundEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = env
		r.n++
		return
	}
	r.buf[r.start] = env
	r.start = (r.start + 1) % len(r.buf)
}

// after returns copies of the buffered envelopes with Seq > seq, oldest first.
func (r *ring) after(seq uint64, limit int) []*types.OutboundEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.OutboundEnvelope
	for i := 0; i < r.n; i++ {
		env := r.buf[(r.start+i)%len(r.buf)]
		if env.Seq <= seq {
			continue
		}
		cp := *env
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
