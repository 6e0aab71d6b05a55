package board

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidState    = errors.New("invalid state")
)

// ConflictError carries the current authoritative task alongside the stale
// expectation so rejections never leave the client guessing.
type ConflictError struct {
	ExpectedVersion int64
	CurrentTask     Task
}

func (e *ConflictError) Error() string {
	return "version conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// ConfirmedMutation is the result of a successful apply, including the
// server-assigned fields (id for creates, position for repositions). When the
// apply triggered a lane renormalization, Renormalized holds every task in
// the lane in its new order.
type ConfirmedMutation struct {
	Type         MutationType
	ProjectID    string
	Task         Task
	Renormalized []Task
	ClientTempID string

	// before-images for rollback
	prior   []Task
	created []string
}

type StoreOptions struct {
	Durable       DurableStore
	EvictionGrace time.Duration
}

// Store holds the authoritative per-project task collections. The registry
// has its own lock; every room carries a private mutex that serializes all
// mutating work for that room, so rooms stay independent of one another.
type Store struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	durable   DurableStore
	grace     time.Duration
	closed    chan struct{}
	closeOnce sync.Once
}

// Room is one project's task collection plus its single-writer lock.
type Room struct {
	projectID  string
	mu         sync.Mutex
	tasks      map[string]Task
	loaded     bool
	refs       int
	evictTimer *time.Timer
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	grace := opts.EvictionGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Store{
		rooms:   map[string]*Room{},
		durable: opts.Durable,
		grace:   grace,
		closed:  make(chan struct{}),
	}
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, room := range s.rooms {
			room.mu.Lock()
			if room.evictTimer != nil {
				room.evictTimer.Stop()
				room.evictTimer = nil
			}
			room.mu.Unlock()
		}
	})
}

// DurableName identifies the configured durable backend for status reporting.
func (s *Store) DurableName() string {
	if s.durable == nil {
		return "none"
	}
	return s.durable.Name()
}

// Room returns the project's room, creating it on first access. Creation
// happens exactly once per project id even under concurrent first joins, and
// the first access cold-loads the task collection from the durable store.
func (s *Store) Room(ctx context.Context, projectID string) (*Room, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	room, ok := s.rooms[projectID]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		room, ok = s.rooms[projectID]
		if !ok {
			room = &Room{projectID: projectID, tasks: map[string]Task{}}
			// A room created without a retained session (REST snapshot, a
			// mutation racing a join) starts on the eviction clock; Retain
			// cancels it.
			room.evictTimer = s.evictAfterGrace(projectID)
			s.rooms[projectID] = room
		}
		s.mu.Unlock()
	}
	if err := room.ensureLoaded(ctx, s.durable); err != nil {
		return nil, err
	}
	return room, nil
}

func (r *Room) ensureLoaded(ctx context.Context, durable DurableStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	if durable != nil {
		tasks, err := durable.ReadAll(ctx, r.projectID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			r.tasks[task.ID] = task
		}
	}
	r.loaded = true
	return nil
}

// LockRoom acquires the room's single-writer lock and returns the room with
// its unlock function. ApplyLocked and RollbackLocked may only be called
// between LockRoom and unlock.
func (s *Store) LockRoom(ctx context.Context, projectID string) (*Room, func(), error) {
	room, err := s.Room(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	room.mu.Lock()
	return room, room.mu.Unlock, nil
}

// Apply runs a mutation in its own critical section. Callers that need to
// combine the apply with a durable write and a broadcast under one lock use
// LockRoom and ApplyLocked instead.
func (s *Store) Apply(ctx context.Context, m Mutation) (ConfirmedMutation, error) {
	room, unlock, err := s.LockRoom(ctx, m.ProjectID)
	if err != nil {
		return ConfirmedMutation{}, err
	}
	defer unlock()
	return s.ApplyLocked(room, m)
}

// ApplyLocked validates the mutation's expected version against the stored
// task and applies the change, incrementing the version and stamping the
// time. A stale expected version returns a ConflictError carrying the
// current task and changes nothing.
func (s *Store) ApplyLocked(room *Room, m Mutation) (ConfirmedMutation, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	switch m.Type {
	case MutationCreate:
		return s.applyCreateLocked(room, m, now)
	case MutationUpdateStatus:
		return s.applyUpdateStatusLocked(room, m, now)
	case MutationReposition:
		return s.applyRepositionLocked(room, m, now)
	case MutationDelete:
		return s.applyDeleteLocked(room, m)
	default:
		return ConfirmedMutation{}, ErrInvalidInput
	}
}

func (s *Store) applyCreateLocked(room *Room, m Mutation, now string) (ConfirmedMutation, error) {
	if m.TaskID == "" || m.Payload.Title == "" {
		return ConfirmedMutation{}, ErrInvalidInput
	}
	if _, exists := room.tasks[m.TaskID]; exists {
		return ConfirmedMutation{}, ErrInvalidState
	}
	status := m.Payload.Status
	if status == "" {
		status = StatusTodo
	}
	if !ValidStatus(status) {
		return ConfirmedMutation{}, ErrInvalidInput
	}
	task := Task{
		ID:        m.TaskID,
		ProjectID: room.projectID,
		Title:     m.Payload.Title,
		Status:    status,
		Position:  AssignInitial(room.laneLocked(status, "")),
		Version:   1,
		UpdatedAt: now,
	}
	room.tasks[task.ID] = task
	return ConfirmedMutation{
		Type:         m.Type,
		ProjectID:    room.projectID,
		Task:         task,
		ClientTempID: m.ClientTempID,
		created:      []string{task.ID},
	}, nil
}

func (s *Store) applyUpdateStatusLocked(room *Room, m Mutation, now string) (ConfirmedMutation, error) {
	existing, ok := room.tasks[m.TaskID]
	if !ok {
		return ConfirmedMutation{}, ErrNotFound
	}
	if m.ExpectedVersion != existing.Version {
		return ConfirmedMutation{}, &ConflictError{ExpectedVersion: m.ExpectedVersion, CurrentTask: existing}
	}
	if !ValidStatus(m.Payload.Status) {
		return ConfirmedMutation{}, ErrInvalidInput
	}
	prior := existing
	existing.Status = m.Payload.Status
	existing.Position = AssignInitial(room.laneLocked(m.Payload.Status, existing.ID))
	existing.Version++
	existing.UpdatedAt = now
	room.tasks[existing.ID] = existing
	return ConfirmedMutation{
		Type:      m.Type,
		ProjectID: room.projectID,
		Task:      existing,
		prior:     []Task{prior},
	}, nil
}

func (s *Store) applyRepositionLocked(room *Room, m Mutation, now string) (ConfirmedMutation, error) {
	existing, ok := room.tasks[m.TaskID]
	if !ok {
		return ConfirmedMutation{}, ErrNotFound
	}
	if m.ExpectedVersion != existing.Version {
		return ConfirmedMutation{}, &ConflictError{ExpectedVersion: m.ExpectedVersion, CurrentTask: existing}
	}
	target := m.Payload.Status
	if target == "" {
		target = existing.Status
	}
	if !ValidStatus(target) {
		return ConfirmedMutation{}, ErrInvalidInput
	}

	lane := room.laneLocked(target, existing.ID)
	before, err := anchorPosition(lane, m.Payload.BeforeTaskID)
	if err != nil {
		return ConfirmedMutation{}, err
	}
	after, err := anchorPosition(lane, m.Payload.AfterTaskID)
	if err != nil {
		return ConfirmedMutation{}, err
	}

	prior := existing
	existing.Status = target
	existing.Position = Between(before, after)
	existing.Version++
	existing.UpdatedAt = now
	room.tasks[existing.ID] = existing

	cm := ConfirmedMutation{
		Type:      m.Type,
		ProjectID: room.projectID,
		Task:      existing,
		prior:     []Task{prior},
	}

	resolved := room.laneLocked(target, "")
	SortLane(resolved)
	if !NeedsRenormalization(resolved) {
		return cm, nil
	}

	// Precision exhausted: renormalize the whole lane as part of the same
	// confirmed mutation so members receive it as one batch.
	cm.prior = []Task{prior}
	for _, task := range resolved {
		if task.ID != existing.ID {
			cm.prior = append(cm.prior, task)
		}
	}
	Renormalize(resolved)
	for i := range resolved {
		// The moved task's version was already bumped above; each task gets
		// exactly one increment per confirmed mutation.
		if resolved[i].ID != existing.ID {
			resolved[i].Version++
		}
		resolved[i].UpdatedAt = now
		room.tasks[resolved[i].ID] = resolved[i]
	}
	cm.Renormalized = append([]Task(nil), resolved...)
	for _, task := range resolved {
		if task.ID == existing.ID {
			cm.Task = task
			break
		}
	}
	return cm, nil
}

func (s *Store) applyDeleteLocked(room *Room, m Mutation) (ConfirmedMutation, error) {
	existing, ok := room.tasks[m.TaskID]
	if !ok {
		return ConfirmedMutation{}, ErrNotFound
	}
	if m.ExpectedVersion != existing.Version {
		return ConfirmedMutation{}, &ConflictError{ExpectedVersion: m.ExpectedVersion, CurrentTask: existing}
	}
	delete(room.tasks, existing.ID)
	return ConfirmedMutation{
		Type:      m.Type,
		ProjectID: room.projectID,
		Task:      existing,
		prior:     []Task{existing},
	}, nil
}

// RollbackLocked reverts a confirmed mutation that could not be persisted:
// created tasks are removed, everything else is restored from its
// before-image. Caller must still hold the room lock from the apply.
func (s *Store) RollbackLocked(room *Room, cm ConfirmedMutation) {
	for _, id := range cm.created {
		delete(room.tasks, id)
	}
	for _, task := range cm.prior {
		room.tasks[task.ID] = task
	}
}

// laneLocked collects the lane's tasks, excluding excludeID when non-empty.
func (r *Room) laneLocked(status Status, excludeID string) []Task {
	lane := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		if task.Status != status || task.ID == excludeID {
			continue
		}
		lane = append(lane, task)
	}
	return lane
}

func anchorPosition(lane []Task, taskID string) (*float64, error) {
	if taskID == "" {
		return nil, nil
	}
	for _, task := range lane {
		if task.ID == taskID {
			pos := task.Position
			return &pos, nil
		}
	}
	// Anchor must sit in the target lane; a moved or deleted anchor means the
	// client's view is stale enough that the reposition cannot be placed.
	return nil, ErrInvalidInput
}

// Snapshot returns the full ordered view for initial sync and reconnect:
// lane order, then position, then id.
func (s *Store) Snapshot(ctx context.Context, projectID string) ([]Task, error) {
	room, err := s.Room(ctx, projectID)
	if err != nil {
		return nil, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	tasks := make([]Task, 0, len(room.tasks))
	for _, task := range room.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Status != tasks[j].Status {
			return laneRank(tasks[i].Status) < laneRank(tasks[j].Status)
		}
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// Retain marks the room in use by one more session, cancelling any pending
// eviction.
func (s *Store) Retain(ctx context.Context, projectID string) error {
	room, err := s.Room(ctx, projectID)
	if err != nil {
		return err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.refs++
	if room.evictTimer != nil {
		room.evictTimer.Stop()
		room.evictTimer = nil
	}
	return nil
}

// Release drops one session's hold on the room. When the last hold goes, the
// room is evicted after a grace period so brief reconnect blips don't lose
// the in-memory state.
func (s *Store) Release(projectID string) {
	s.mu.RLock()
	room := s.rooms[projectID]
	s.mu.RUnlock()
	if room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.refs > 0 {
		room.refs--
	}
	if room.refs > 0 {
		return
	}
	if room.evictTimer != nil {
		room.evictTimer.Stop()
	}
	room.evictTimer = s.evictAfterGrace(projectID)
}

func (s *Store) evictAfterGrace(projectID string) *time.Timer {
	return time.AfterFunc(s.grace, func() {
		select {
		case <-s.closed:
			return
		default:
		}
		s.evictRoom(projectID)
	})
}

func (s *Store) evictRoom(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[projectID]
	if !ok {
		return
	}
	room.mu.Lock()
	idle := room.refs == 0
	room.mu.Unlock()
	if !idle {
		return
	}
	delete(s.rooms, projectID)
}

// RoomStatus is a point-in-time description of one live room.
type RoomStatus struct {
	ProjectID string `json:"projectId"`
	Tasks     int    `json:"tasks"`
	Sessions  int    `json:"sessions"`
}

// Status lists the live rooms with task and retained-session counts.
func (s *Store) Status() []RoomStatus {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.RUnlock()

	statuses := make([]RoomStatus, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		statuses = append(statuses, RoomStatus{
			ProjectID: room.projectID,
			Tasks:     len(room.tasks),
			Sessions:  room.refs,
		})
		room.mu.Unlock()
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ProjectID < statuses[j].ProjectID })
	return statuses
}
