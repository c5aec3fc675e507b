// Package api serves the operational HTTP surface: health, metrics,
// connection and breaker views, room administration, and the websocket
// endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"boardsync/internal/coordinator"
	"boardsync/internal/rooms"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Connections is the coordinator surface the API reads and drives.
type Connections interface {
	Connections() []coordinator.ConnectionInfo
	Connection(connectionID string) (coordinator.ConnectionInfo, bool)
	Stats() coordinator.Stats
	Evict(connectionID string, code int, reason string) error
	DropRoom(roomID string) int
}

// Breakers is the router surface for circuit breaker inspection.
type Breakers interface {
	Breakers() []types.CircuitBreakerState
	ForceOpen(dest, reason string)
}

// Rooms is the room administration surface.
type Rooms interface {
	CreateRoom(ctx context.Context, room types.Room) (*types.Room, error)
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	ListRooms(organizationID string) []*types.Room
	SetMembers(ctx context.Context, roomID string, members []string) (*types.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Metrics is the Performance Monitor surface.
type Metrics interface {
	interfaces.HealthReporter
	Handler() http.Handler
}

// HealthChecker is satisfied by the database manager. It is optional.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators the server exposes. Database may be nil when
// persistence is disabled.
type Deps struct {
	Connections Connections
	Breakers    Breakers
	Rooms       Rooms
	Metrics     Metrics
	Database    HealthChecker
	WebSocket   http.Handler
	// WebSocketPath is where WebSocket is mounted.
	WebSocketPath string
	Log           zerolog.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	deps   Deps
	log    zerolog.Logger
	router *http.ServeMux
}

// FUNCTIONAL DISCOVERY: Constructor initializes all dependencies and sets up routing
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		log:    deps.Log.With().Str("component", "api").Logger(),
		router: http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// The websocket and metrics endpoints bypass the JSON middleware.
func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/connections", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleConnections))))
	s.router.Handle("/api/connections/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleConnectionByID))))
	s.router.Handle("/api/breakers", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleBreakers))))
	s.router.Handle("/api/rooms", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleRooms))))
	s.router.Handle("/api/rooms/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleRoomByID))))
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.WebSocket != nil {
		path := s.deps.WebSocketPath
		if path == "" {
			path = "/ws"
		}
		s.router.Handle(path, s.deps.WebSocket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type CreateRoomRequest struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organizationId"`
	Name           string   `json:"name"`
	Public         bool     `json:"public"`
	Members        []string `json:"members"`
}

type UpdateMembersRequest struct {
	Members []string `json:"members"`
}

type RoomResponse struct {
	Room *types.Room `json:"room"`
}

type ListRoomsResponse struct {
	Rooms []*types.Room `json:"rooms"`
}

type ListConnectionsResponse struct {
	Connections []coordinator.ConnectionInfo `json:"connections"`
	Stats       coordinator.Stats            `json:"stats"`
}

type BreakersResponse struct {
	Breakers []types.CircuitBreakerState `json:"breakers"`
}

type ForceOpenRequest struct {
	Destination string `json:"destination"`
	Reason      string `json:"reason"`
}

type HealthResponse struct {
	Status    string               `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Database  string               `json:"database"`
	Metrics   types.HealthSnapshot `json:"metrics"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /health - monitor snapshot plus database reachability
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Timestamp: time.Now().UTC(), Database: "disabled"}
	if s.deps.Metrics != nil {
		resp.Metrics = s.deps.Metrics.Snapshot()
		resp.Status = resp.Metrics.Status
	}
	if resp.Status == "" {
		resp.Status = "ok"
	}

	code := http.StatusOK
	if s.deps.Database != nil {
		resp.Database = "ok"
		if err := s.deps.Database.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "error: " + err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	s.sendJSON(w, code, resp)
}

// FUNCTIONAL DISCOVERY: GET /api/connections - live connections with coordinator counters
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sendJSON(w, http.StatusOK, ListConnectionsResponse{
		Connections: s.deps.Connections.Connections(),
		Stats:       s.deps.Connections.Stats(),
	})
}

// FUNCTIONAL DISCOVERY: GET/DELETE /api/connections/{id}
func (s *Server) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "/api/connections/")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		info, found := s.deps.Connections.Connection(id)
		if !found {
			s.sendError(w, "Connection not found", http.StatusNotFound)
			return
		}
		s.sendJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "evicted_by_operator"
		}
		if err := s.deps.Connections.Evict(id, types.CloseEvicted, reason); err != nil {
			if errors.Is(err, coordinator.ErrUnknownConnection) {
				s.sendError(w, "Connection not found", http.StatusNotFound)
				return
			}
			s.sendError(w, "Failed to evict connection", http.StatusInternalServerError)
			return
		}
		s.log.Info().Str("connection_id", id).Str("reason", reason).Msg("connection evicted via api")
		s.sendJSON(w, http.StatusOK, map[string]string{"message": "Connection evicted"})
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// FUNCTIONAL DISCOVERY: GET /api/breakers lists breakers; POST forces one open
func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.sendJSON(w, http.StatusOK, BreakersResponse{Breakers: s.deps.Breakers.Breakers()})
	case http.MethodPost:
		var req ForceOpenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Destination == "" {
			s.sendError(w, "Destination is required", http.StatusBadRequest)
			return
		}
		if req.Reason == "" {
			req.Reason = "forced_by_operator"
		}
		s.deps.Breakers.ForceOpen(req.Destination, req.Reason)
		s.log.Warn().Str("destination", req.Destination).Str("reason", req.Reason).Msg("breaker forced open via api")
		s.sendJSON(w, http.StatusOK, BreakersResponse{Breakers: s.deps.Breakers.Breakers()})
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// FUNCTIONAL DISCOVERY: Handle rooms collection endpoints (POST /api/rooms, GET /api/rooms?organizationId=)
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := s.deps.Rooms.ListRooms(r.URL.Query().Get("organizationId"))
		s.sendJSON(w, http.StatusOK, ListRoomsResponse{Rooms: list})
	case http.MethodPost:
		s.createRoom(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	room, err := s.deps.Rooms.CreateRoom(r.Context(), types.Room{
		ID:             req.ID,
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Public:         req.Public,
		Members:        req.Members,
	})
	if err != nil {
		s.sendRoomError(w, err, "Failed to create room")
		return
	}
	s.sendJSON(w, http.StatusCreated, RoomResponse{Room: room})
}

// FUNCTIONAL DISCOVERY: Handle individual room endpoints (GET, PUT members, DELETE)
func (s *Server) handleRoomByID(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.pathID(w, r, "/api/rooms/")
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		room, err := s.deps.Rooms.GetRoom(r.Context(), roomID)
		if err != nil {
			s.sendRoomError(w, err, "Failed to get room")
			return
		}
		s.sendJSON(w, http.StatusOK, RoomResponse{Room: room})

	case http.MethodPut:
		var req UpdateMembersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		room, err := s.deps.Rooms.SetMembers(r.Context(), roomID, req.Members)
		if err != nil {
			s.sendRoomError(w, err, "Failed to update room")
			return
		}
		s.sendJSON(w, http.StatusOK, RoomResponse{Room: room})

	case http.MethodDelete:
		if err := s.deps.Rooms.DeleteRoom(r.Context(), roomID); err != nil {
			s.sendRoomError(w, err, "Failed to delete room")
			return
		}
		// Subscribers stop receiving room traffic immediately.
		dropped := s.deps.Connections.DropRoom(roomID)
		s.log.Info().Str("room_id", roomID).Int("subscribers", dropped).Msg("room deleted via api")
		s.sendJSON(w, http.StatusOK, map[string]any{"message": "Room deleted", "unsubscribed": dropped})

	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// pathID extracts the single path segment after prefix.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	id := strings.Split(strings.TrimPrefix(r.URL.Path, prefix), "/")[0]
	if id == "" {
		s.sendError(w, "ID required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (s *Server) sendRoomError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, interfaces.ErrRoomNotFound):
		s.sendError(w, "Room not found", http.StatusNotFound)
	case errors.Is(err, rooms.ErrRoomExists):
		s.sendError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, rooms.ErrInvalidRoomID),
		errors.Is(err, types.ErrInvalidRoomName),
		errors.Is(err, types.ErrInvalidRoomOrg),
		errors.Is(err, types.ErrInvalidTarget):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error().Err(err).Msg(fallback)
		s.sendError(w, fallback, http.StatusInternalServerError)
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug().Err(err).Msg("failed to write response")
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
