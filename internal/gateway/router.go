package gateway

import (
	"encoding/json"
	"sync"

	"github.com/agentworkforce/boardsync/internal/board"
)

// Router fans confirmed mutations out to every session in a room, including
// the origin, so client-guessed fields are always replaced by canonical
// ones. Membership has its own lock, distinct from the store's room locks,
// so join/leave churn never couples with mutation throughput.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session
}

func NewRouter() *Router {
	return &Router{rooms: map[string]map[string]*Session{}}
}

func (r *Router) Register(projectID string, session *Session) {
	if projectID == "" || session == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[projectID]
	if room == nil {
		room = map[string]*Session{}
		r.rooms[projectID] = room
	}
	room[session.ID] = session
}

func (r *Router) Unregister(projectID string, session *Session) {
	if projectID == "" || session == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[projectID]
	if room == nil {
		return
	}
	delete(room, session.ID)
	if len(room) == 0 {
		delete(r.rooms, projectID)
	}
}

// Publish delivers the message to every current room member. The coordinator
// calls this inside the room's single-writer critical section, and each
// session's queue is FIFO, so all members observe confirmations in the same
// relative order. A session that disconnects mid-publish is simply skipped;
// it resynchronizes from a fresh snapshot on reconnect.
func (r *Router) Publish(projectID string, message board.BroadcastMessage, originSessionID string) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	r.mu.RLock()
	members := make([]*Session, 0, len(r.rooms[projectID]))
	for _, session := range r.rooms[projectID] {
		members = append(members, session)
	}
	r.mu.RUnlock()
	for _, session := range members {
		session.Send(data)
	}
}

// RoomSizes reports the current member count per room for status reporting.
func (r *Router) RoomSizes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sizes := make(map[string]int, len(r.rooms))
	for projectID, room := range r.rooms {
		sizes[projectID] = len(room)
	}
	return sizes
}
