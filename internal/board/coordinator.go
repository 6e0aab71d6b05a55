package board

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

type CoordinatorOptions struct {
	Store              *Store
	Durable            DurableStore
	Publisher          Publisher
	MaxDurableAttempts int
	DurableRetryDelay  time.Duration
}

// Coordinator is the boundary between a session's intent and the state
// store: it validates the mutation, applies it, writes the result through to
// the durable store, and publishes the confirmation to the room, all inside
// the room's single-writer critical section so broadcast order matches
// confirmation order.
type Coordinator struct {
	store       *Store
	durable     DurableStore
	publisher   Publisher
	maxAttempts int
	retryDelay  time.Duration
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	maxAttempts := opts.MaxDurableAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := opts.DurableRetryDelay
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	return &Coordinator{
		store:       opts.Store,
		durable:     opts.Durable,
		publisher:   opts.Publisher,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// HandleRaw validates and decodes an inbound frame, then handles it. Every
// accepted frame yields exactly one outcome.
func (c *Coordinator) HandleRaw(ctx context.Context, originSessionID string, raw []byte) Outcome {
	m, err := DecodeMutation(raw)
	if err != nil {
		return Outcome{Result: ResultRejected, Reason: ReasonInvalidInput, Message: err.Error()}
	}
	m.OriginSessionID = originSessionID
	return c.Handle(ctx, m)
}

func (c *Coordinator) Handle(ctx context.Context, m Mutation) Outcome {
	if err := validateMutation(m); err != nil {
		return Outcome{Result: ResultRejected, Reason: ReasonInvalidInput, Message: err.Error(), ClientTempID: m.ClientTempID}
	}
	if m.Type == MutationCreate {
		m.TaskID = uuid.NewString()
	}

	room, unlock, err := c.store.LockRoom(ctx, m.ProjectID)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return Outcome{Result: ResultRejected, Reason: ReasonInvalidInput, Message: err.Error(), ClientTempID: m.ClientTempID}
		}
		// Cold-load failure is a durable store read error.
		log.Printf("boardsync: room load failed for project %s: %v", m.ProjectID, err)
		return Outcome{Result: ResultRejected, Reason: ReasonPersistenceFailure, ClientTempID: m.ClientTempID}
	}
	defer unlock()

	cm, err := c.store.ApplyLocked(room, m)
	if err != nil {
		return rejectedOutcome(m, err)
	}

	if err := c.writeThrough(ctx, cm); err != nil {
		c.store.RollbackLocked(room, cm)
		log.Printf("boardsync: durable write failed for project %s task %s after %d attempts: %v",
			m.ProjectID, cm.Task.ID, c.maxAttempts, err)
		return Outcome{Result: ResultRejected, Reason: ReasonPersistenceFailure, ClientTempID: m.ClientTempID}
	}

	if c.publisher != nil {
		c.publisher.Publish(m.ProjectID, broadcastFor(cm), m.OriginSessionID)
	}

	task := cm.Task
	return Outcome{
		Result:       ResultConfirmed,
		Task:         &task,
		Tasks:        cm.Renormalized,
		ClientTempID: cm.ClientTempID,
	}
}

func rejectedOutcome(m Mutation, err error) Outcome {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		current := conflict.CurrentTask
		return Outcome{
			Result:       ResultRejected,
			Reason:       ReasonVersionConflict,
			Task:         &current,
			ClientTempID: m.ClientTempID,
		}
	}
	if errors.Is(err, ErrNotFound) {
		// The client is editing a task that no longer exists; that is a stale
		// view, not malformed input.
		return Outcome{Result: ResultRejected, Reason: ReasonVersionConflict, Message: "task no longer exists", ClientTempID: m.ClientTempID}
	}
	return Outcome{Result: ResultRejected, Reason: ReasonInvalidInput, Message: err.Error(), ClientTempID: m.ClientTempID}
}

// writeThrough persists the confirmed mutation with bounded retry. The
// in-memory and durable views must never diverge permanently, so exhausting
// the attempts makes the caller roll the apply back.
func (c *Coordinator) writeThrough(ctx context.Context, cm ConfirmedMutation) error {
	if c.durable == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.writeOnce(ctx, cm)
		if lastErr == nil {
			return nil
		}
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *Coordinator) writeOnce(ctx context.Context, cm ConfirmedMutation) error {
	if cm.Type == MutationDelete {
		return c.durable.DeleteTask(ctx, cm.ProjectID, cm.Task.ID)
	}
	if len(cm.Renormalized) > 0 {
		// Upserts are idempotent, so a retry after a partial batch write is safe.
		for _, task := range cm.Renormalized {
			if err := c.durable.WriteTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	}
	return c.durable.WriteTask(ctx, cm.Task)
}

func broadcastFor(cm ConfirmedMutation) BroadcastMessage {
	if cm.Type == MutationDelete {
		task := cm.Task
		return BroadcastMessage{Type: BroadcastTaskDeleted, Task: &task}
	}
	if len(cm.Renormalized) > 0 {
		return BroadcastMessage{Type: BroadcastLaneRenormalized, Tasks: cm.Renormalized}
	}
	task := cm.Task
	return BroadcastMessage{Type: BroadcastTaskChanged, Task: &task, ClientTempID: cm.ClientTempID}
}

func validateMutation(m Mutation) error {
	if m.ProjectID == "" {
		return errors.New("projectId is required")
	}
	switch m.Type {
	case MutationCreate:
		if m.ClientTempID == "" {
			return errors.New("clientTempId is required for create")
		}
		if m.Payload.Title == "" {
			return errors.New("payload.title is required for create")
		}
		if m.Payload.Status != "" && !ValidStatus(m.Payload.Status) {
			return errors.New("payload.status is not a valid lane")
		}
	case MutationUpdateStatus:
		if m.TaskID == "" {
			return errors.New("taskId is required")
		}
		if m.ExpectedVersion < 1 {
			return errors.New("expectedVersion is required")
		}
		if !ValidStatus(m.Payload.Status) {
			return errors.New("payload.status is not a valid lane")
		}
	case MutationReposition:
		if m.TaskID == "" {
			return errors.New("taskId is required")
		}
		if m.ExpectedVersion < 1 {
			return errors.New("expectedVersion is required")
		}
		if m.Payload.Status != "" && !ValidStatus(m.Payload.Status) {
			return errors.New("payload.status is not a valid lane")
		}
	case MutationDelete:
		if m.TaskID == "" {
			return errors.New("taskId is required")
		}
		if m.ExpectedVersion < 1 {
			return errors.New("expectedVersion is required")
		}
	default:
		return errors.New("unknown mutation type")
	}
	return nil
}
