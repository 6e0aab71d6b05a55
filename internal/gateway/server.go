package gateway

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/boardsync/internal/board"
)

type ServerConfig struct {
	JWTSecret        string
	SessionQueueSize int
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ConnectLimitMax  int
	ConnectWindow    time.Duration
	AllowedOrigins   []string
}

// Server is the session gateway's HTTP surface: websocket joins, REST
// snapshots for cold resync, and an admin status view.
type Server struct {
	store       *board.Store
	coordinator *board.Coordinator
	router      *Router
	cfg         ServerConfig
	connLimiter *connLimiter
}

type connLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]connLimitEntry
}

type connLimitEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *board.Store, coordinator *board.Coordinator, router *Router, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.SessionQueueSize <= 0 {
		cfg.SessionQueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ConnectWindow <= 0 {
		cfg.ConnectWindow = time.Minute
	}
	var limiter *connLimiter
	if cfg.ConnectLimitMax > 0 {
		limiter = &connLimiter{
			window:  cfg.ConnectWindow,
			max:     cfg.ConnectLimitMax,
			entries: map[string]connLimitEntry{},
		}
	}
	return &Server{
		store:       store,
		coordinator: coordinator,
		router:      router,
		cfg:         cfg,
		connLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet {
		s.handleAdminStatus(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "projects" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	projectID := parts[2]

	switch parts[3] {
	case "ws":
		s.handleJoin(w, r, projectID)
	case "snapshot":
		s.handleSnapshot(w, r, projectID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, projectID string) {
	_, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, projectID, "board:read", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	tasks, err := s.store.Snapshot(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, board.SnapshotMessage{Type: board.MessageSnapshot, Tasks: tasks})
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	_, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, "", "admin:read", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	sizes := s.router.RoomSizes()
	rooms := s.store.Status()
	total := 0
	for i := range rooms {
		rooms[i].Sessions = sizes[rooms[i].ProjectID]
		total += rooms[i].Sessions
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":          rooms,
		"sessionsTotal":  total,
		"durableBackend": s.store.DurableName(),
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, projectID string) {
	claims, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, projectID, "board:write", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if s.connLimiter != nil && !s.connLimiter.allow(claims.PrincipalID, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.connLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "connect rate limit exceeded", getCorrelationID(r))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	session := newSession(claims.PrincipalID, conn, s.cfg.SessionQueueSize)
	s.serveSession(r.Context(), session, projectID)
}

// serveSession runs one connection's lifecycle: retain the room, send the
// initial snapshot so the client's view starts authoritative, then pump
// inbound mutations until the connection goes away.
func (s *Server) serveSession(ctx context.Context, session *Session, projectID string) {
	if err := s.store.Retain(ctx, projectID); err != nil {
		session.close(websocket.StatusInternalError, "room unavailable")
		return
	}
	defer s.store.Release(projectID)

	session.join(projectID)
	s.router.Register(projectID, session)
	defer s.router.Unregister(projectID, session)
	defer session.close(websocket.StatusNormalClosure, "")

	go session.writeLoop(ctx, s.cfg.PingInterval, s.cfg.WriteTimeout)

	// Registration happens before the snapshot is taken, so a mutation
	// confirmed in between reaches this session twice: once as a broadcast
	// and once inside the snapshot. The snapshot is authoritative either way.
	tasks, err := s.store.Snapshot(ctx, projectID)
	if err != nil {
		session.close(websocket.StatusInternalError, "snapshot unavailable")
		return
	}
	snapshot, err := json.Marshal(board.SnapshotMessage{Type: board.MessageSnapshot, Tasks: tasks})
	if err != nil {
		return
	}
	if !session.Send(snapshot) {
		return
	}

	for {
		msgType, data, err := session.conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		// The coordinator broadcasts confirmed mutations itself; only the
		// outcome goes back to the origin. A mutation already accepted here
		// completes and is broadcast even if this session disconnects before
		// its outcome can be delivered.
		outcome := s.coordinator.HandleRaw(ctx, session.ID, data)
		payload, err := json.Marshal(outcome)
		if err != nil {
			continue
		}
		if !session.Send(payload) {
			return
		}
	}
}

// bearerFromRequest reads the Authorization header, falling back to the
// access_token query parameter because browser websocket clients cannot set
// request headers.
func bearerFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return "Bearer " + token
	}
	return ""
}

func (l *connLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for staleKey, stale := range l.entries {
		if now.After(stale.resetAt) {
			delete(l.entries, staleKey)
		}
	}

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = connLimitEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
