package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func mustApply(t *testing.T, store *Store, m Mutation) ConfirmedMutation {
	t.Helper()
	cm, err := store.Apply(context.Background(), m)
	if err != nil {
		t.Fatalf("apply %s failed: %v", m.Type, err)
	}
	return cm
}

func createTask(t *testing.T, store *Store, projectID, taskID, title string, status Status) Task {
	t.Helper()
	cm := mustApply(t, store, Mutation{
		Type:      MutationCreate,
		ProjectID: projectID,
		TaskID:    taskID,
		Payload:   MutationPayload{Title: title, Status: status},
	})
	return cm.Task
}

func TestRoomIsCreatedExactlyOnceUnderConcurrentJoins(t *testing.T) {
	store := NewStore()
	defer store.Close()

	const goroutines = 16
	rooms := make([]*Room, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := store.Room(context.Background(), "p1")
			if err != nil {
				t.Errorf("room: %v", err)
				return
			}
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if rooms[i] != rooms[0] {
			t.Fatal("concurrent joins produced distinct rooms for one project")
		}
	}
}

func TestCreateAssignsDefaultsAndVersionOne(t *testing.T) {
	store := NewStore()
	defer store.Close()

	task := createTask(t, store, "p1", "t1", "write release notes", "")
	if task.Status != StatusTodo {
		t.Fatalf("expected default status todo, got %s", task.Status)
	}
	if task.Version != 1 {
		t.Fatalf("expected version 1, got %d", task.Version)
	}
	if task.Position != positionSpacing {
		t.Fatalf("expected first position %v, got %v", positionSpacing, task.Position)
	}
	if task.UpdatedAt == "" {
		t.Fatal("expected updatedAt to be stamped")
	}
	if _, err := time.Parse(time.RFC3339Nano, task.UpdatedAt); err != nil {
		t.Fatalf("updatedAt is not RFC3339Nano: %v", err)
	}
}

func TestUpdateStatusMovesToEndOfTargetLane(t *testing.T) {
	store := NewStore()
	defer store.Close()

	createTask(t, store, "p1", "t1", "one", StatusInProgress)
	task := createTask(t, store, "p1", "t2", "two", StatusTodo)

	cm := mustApply(t, store, Mutation{
		Type:            MutationUpdateStatus,
		ProjectID:       "p1",
		TaskID:          task.ID,
		ExpectedVersion: task.Version,
		Payload:         MutationPayload{Status: StatusInProgress},
	})
	if cm.Task.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", cm.Task.Status)
	}
	if cm.Task.Version != 2 {
		t.Fatalf("expected version 2, got %d", cm.Task.Version)
	}
	if cm.Task.Position <= positionSpacing {
		t.Fatalf("expected appended position after existing lane member, got %v", cm.Task.Position)
	}
}

func TestStaleVersionRejectsWithCurrentTaskAndChangesNothing(t *testing.T) {
	store := NewStore()
	defer store.Close()

	task := createTask(t, store, "p1", "t1", "one", StatusTodo)
	mustApply(t, store, Mutation{
		Type:            MutationUpdateStatus,
		ProjectID:       "p1",
		TaskID:          task.ID,
		ExpectedVersion: 1,
		Payload:         MutationPayload{Status: StatusInProgress},
	})

	_, err := store.Apply(context.Background(), Mutation{
		Type:            MutationUpdateStatus,
		ProjectID:       "p1",
		TaskID:          task.ID,
		ExpectedVersion: 1,
		Payload:         MutationPayload{Status: StatusCompleted},
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %T", err)
	}
	if conflict.CurrentTask.Version != 2 || conflict.CurrentTask.Status != StatusInProgress {
		t.Fatalf("conflict should carry the authoritative task, got %+v", conflict.CurrentTask)
	}

	tasks, err := store.Snapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != StatusInProgress || tasks[0].Version != 2 {
		t.Fatalf("rejected mutation must not change state, got %+v", tasks)
	}
}

func TestRepositionBetweenAnchors(t *testing.T) {
	store := NewStore()
	defer store.Close()

	a := createTask(t, store, "p1", "a", "first", StatusTodo)
	b := createTask(t, store, "p1", "b", "second", StatusTodo)
	c := createTask(t, store, "p1", "c", "third", StatusTodo)

	cm := mustApply(t, store, Mutation{
		Type:            MutationReposition,
		ProjectID:       "p1",
		TaskID:          c.ID,
		ExpectedVersion: c.Version,
		Payload:         MutationPayload{BeforeTaskID: a.ID, AfterTaskID: b.ID},
	})
	if cm.Task.Position <= a.Position || cm.Task.Position >= b.Position {
		t.Fatalf("expected position between %v and %v, got %v", a.Position, b.Position, cm.Task.Position)
	}

	tasks, err := store.Snapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	order := []string{tasks[0].ID, tasks[1].ID, tasks[2].ID}
	if order[0] != "a" || order[1] != "c" || order[2] != "b" {
		t.Fatalf("expected order a,c,b, got %v", order)
	}
}

func TestRepositionAcrossLanesUsesTargetLaneAnchors(t *testing.T) {
	store := NewStore()
	defer store.Close()

	anchor := createTask(t, store, "p1", "a", "anchor", StatusInProgress)
	task := createTask(t, store, "p1", "b", "mover", StatusTodo)

	cm := mustApply(t, store, Mutation{
		Type:            MutationReposition,
		ProjectID:       "p1",
		TaskID:          task.ID,
		ExpectedVersion: task.Version,
		Payload:         MutationPayload{Status: StatusInProgress, AfterTaskID: anchor.ID},
	})
	if cm.Task.Status != StatusInProgress {
		t.Fatalf("expected lane change to in_progress, got %s", cm.Task.Status)
	}
	if cm.Task.Position >= anchor.Position {
		t.Fatalf("expected position before anchor %v, got %v", anchor.Position, cm.Task.Position)
	}
}

func TestRepositionRejectsAnchorOutsideTargetLane(t *testing.T) {
	store := NewStore()
	defer store.Close()

	createTask(t, store, "p1", "a", "elsewhere", StatusCompleted)
	task := createTask(t, store, "p1", "b", "mover", StatusTodo)

	_, err := store.Apply(context.Background(), Mutation{
		Type:            MutationReposition,
		ProjectID:       "p1",
		TaskID:          task.ID,
		ExpectedVersion: task.Version,
		Payload:         MutationPayload{AfterTaskID: "a"},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for foreign-lane anchor, got %v", err)
	}
}

func TestRepositionRenormalizesExhaustedLane(t *testing.T) {
	store := NewStore()
	defer store.Close()

	room, err := store.Room(context.Background(), "p1")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	room.mu.Lock()
	// Seed a lane whose gaps are already below the precision floor.
	for i, id := range []string{"a", "b", "c"} {
		room.tasks[id] = Task{
			ID:        id,
			ProjectID: "p1",
			Title:     id,
			Status:    StatusTodo,
			Position:  1 + float64(i)*minPositionGap/4,
			Version:   1,
			UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}
	}
	room.mu.Unlock()

	cm := mustApply(t, store, Mutation{
		Type:            MutationReposition,
		ProjectID:       "p1",
		TaskID:          "c",
		ExpectedVersion: 1,
		Payload:         MutationPayload{BeforeTaskID: "a", AfterTaskID: "b"},
	})
	if len(cm.Renormalized) != 3 {
		t.Fatalf("expected full lane in renormalized batch, got %d", len(cm.Renormalized))
	}
	for i, task := range cm.Renormalized {
		if task.Position != float64(i+1) {
			t.Fatalf("expected evenly spaced keys, got %v at %d", task.Position, i)
		}
		if task.Version != 2 {
			t.Fatalf("every renormalized task gets a version bump, got %d for %s", task.Version, task.ID)
		}
	}
	if cm.Task.ID != "c" || cm.Task.Version != 2 {
		t.Fatalf("confirmed task should be the post-renormalization mover, got %+v", cm.Task)
	}
	order := []string{cm.Renormalized[0].ID, cm.Renormalized[1].ID, cm.Renormalized[2].ID}
	if order[0] != "a" || order[1] != "c" || order[2] != "b" {
		t.Fatalf("expected order a,c,b preserved through renormalization, got %v", order)
	}
}

func TestDeleteRemovesTaskAndStaleDeleteConflicts(t *testing.T) {
	store := NewStore()
	defer store.Close()

	task := createTask(t, store, "p1", "t1", "one", StatusTodo)

	_, err := store.Apply(context.Background(), Mutation{
		Type:            MutationDelete,
		ProjectID:       "p1",
		TaskID:          task.ID,
		ExpectedVersion: 99,
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict for stale delete, got %v", err)
	}

	mustApply(t, store, Mutation{
		Type:            MutationDelete,
		ProjectID:       "p1",
		TaskID:          task.ID,
		ExpectedVersion: task.Version,
	})
	_, err = store.Apply(context.Background(), Mutation{
		Type:            MutationDelete,
		ProjectID:       "p1",
		TaskID:          task.ID,
		ExpectedVersion: 1,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for second delete, got %v", err)
	}
}

func TestRollbackRestoresBeforeImages(t *testing.T) {
	store := NewStore()
	defer store.Close()

	task := createTask(t, store, "p1", "t1", "one", StatusTodo)

	room, unlock, err := store.LockRoom(context.Background(), "p1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	cm, err := store.ApplyLocked(room, Mutation{
		Type:            MutationUpdateStatus,
		ProjectID:       "p1",
		TaskID:          task.ID,
		ExpectedVersion: task.Version,
		Payload:         MutationPayload{Status: StatusCompleted},
	})
	if err != nil {
		unlock()
		t.Fatalf("apply: %v", err)
	}
	store.RollbackLocked(room, cm)
	unlock()

	tasks, err := store.Snapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != StatusTodo || tasks[0].Version != 1 {
		t.Fatalf("rollback should restore the before-image, got %+v", tasks)
	}
}

func TestRollbackRemovesCreatedTask(t *testing.T) {
	store := NewStore()
	defer store.Close()

	room, unlock, err := store.LockRoom(context.Background(), "p1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	cm, err := store.ApplyLocked(room, Mutation{
		Type:      MutationCreate,
		ProjectID: "p1",
		TaskID:    "t1",
		Payload:   MutationPayload{Title: "one"},
	})
	if err != nil {
		unlock()
		t.Fatalf("apply: %v", err)
	}
	store.RollbackLocked(room, cm)
	unlock()

	tasks, err := store.Snapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rolled-back create should leave no task, got %+v", tasks)
	}
}

func TestSnapshotOrdersByLaneThenPosition(t *testing.T) {
	store := NewStore()
	defer store.Close()

	createTask(t, store, "p1", "c1", "done", StatusCompleted)
	createTask(t, store, "p1", "t1", "first", StatusTodo)
	createTask(t, store, "p1", "t2", "second", StatusTodo)
	createTask(t, store, "p1", "w1", "doing", StatusInProgress)

	tasks, err := store.Snapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	got := make([]string, 0, len(tasks))
	for _, task := range tasks {
		got = append(got, task.ID)
	}
	want := []string{"t1", "t2", "w1", "c1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestColdLoadReadsDurableStore(t *testing.T) {
	durable := NewMemoryDurableStore()
	seed := Task{
		ID:        "t1",
		ProjectID: "p1",
		Title:     "persisted",
		Status:    StatusInProgress,
		Position:  1,
		Version:   7,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := durable.WriteTask(context.Background(), seed); err != nil {
		t.Fatalf("seed durable: %v", err)
	}

	store := NewStoreWithOptions(StoreOptions{Durable: durable})
	defer store.Close()

	tasks, err := store.Snapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Version != 7 || tasks[0].Title != "persisted" {
		t.Fatalf("expected cold-loaded task, got %+v", tasks)
	}
}

func TestReleaseEvictsRoomAfterGrace(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{EvictionGrace: 20 * time.Millisecond})
	defer store.Close()

	if err := store.Retain(context.Background(), "p1"); err != nil {
		t.Fatalf("retain: %v", err)
	}
	createTask(t, store, "p1", "t1", "one", StatusTodo)
	store.Release("p1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.Status()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected idle room to be evicted after the grace period")
}

func TestRoomCreatedWithoutRetainIsEvictedAfterGrace(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{EvictionGrace: 20 * time.Millisecond})
	defer store.Close()

	// A REST snapshot touches the room without ever retaining it.
	if _, err := store.Snapshot(context.Background(), "p1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(store.Status()) != 1 {
		t.Fatal("expected the room to exist right after creation")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.Status()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected an unretained room to be evicted after the grace period")
}

func TestRetainDuringGraceCancelsEviction(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{EvictionGrace: 50 * time.Millisecond})
	defer store.Close()

	if err := store.Retain(context.Background(), "p1"); err != nil {
		t.Fatalf("retain: %v", err)
	}
	createTask(t, store, "p1", "t1", "one", StatusTodo)
	store.Release("p1")

	// Re-join inside the grace window.
	if err := store.Retain(context.Background(), "p1"); err != nil {
		t.Fatalf("second retain: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	statuses := store.Status()
	if len(statuses) != 1 || statuses[0].Tasks != 1 {
		t.Fatalf("expected room to survive the grace window, got %+v", statuses)
	}
}

func TestStatusReportsRoomsSorted(t *testing.T) {
	store := NewStore()
	defer store.Close()

	createTask(t, store, "pb", "t1", "one", StatusTodo)
	createTask(t, store, "pa", "t1", "one", StatusTodo)

	statuses := store.Status()
	if len(statuses) != 2 || statuses[0].ProjectID != "pa" || statuses[1].ProjectID != "pb" {
		t.Fatalf("expected sorted project ids, got %+v", statuses)
	}
}

func TestApplyRejectsBlankProjectID(t *testing.T) {
	store := NewStore()
	defer store.Close()

	_, err := store.Apply(context.Background(), Mutation{Type: MutationCreate, ProjectID: "  ", TaskID: "t1", Payload: MutationPayload{Title: "x"}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
