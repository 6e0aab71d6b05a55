package board

// Status is the lane a task sits in on the board.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// ValidStatus reports whether s is one of the board lanes.
func ValidStatus(s Status) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func laneRank(s Status) int {
	switch s {
	case StatusTodo:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	}
	return 3
}

// Task is the authoritative record for one board item. Version increments on
// every confirmed mutation and is the basis for optimistic-concurrency checks.
type Task struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"projectId"`
	Title     string  `json:"title"`
	Status    Status  `json:"status"`
	Position  float64 `json:"position"`
	Version   int64   `json:"version"`
	UpdatedAt string  `json:"updatedAt"`
}

type MutationType string

const (
	MutationCreate       MutationType = "create"
	MutationUpdateStatus MutationType = "update_status"
	MutationReposition   MutationType = "reposition"
	MutationDelete       MutationType = "delete"
)

// MutationPayload carries the per-operation field changes. BeforeTaskID and
// AfterTaskID are the reposition anchors: the tasks the moved item should land
// between, either of which may be absent for head or tail placement.
type MutationPayload struct {
	Title        string `json:"title,omitempty"`
	Status       Status `json:"status,omitempty"`
	BeforeTaskID string `json:"beforeTaskId,omitempty"`
	AfterTaskID  string `json:"afterTaskId,omitempty"`
}

// Mutation is one client-issued change. For creates the task id is assigned
// server-side and ClientTempID correlates the confirmation with the client's
// local optimistic record. ExpectedVersion is the version the client believed
// it was editing against.
type Mutation struct {
	Type            MutationType    `json:"type"`
	ProjectID       string          `json:"projectId"`
	TaskID          string          `json:"taskId,omitempty"`
	ClientTempID    string          `json:"clientTempId,omitempty"`
	ExpectedVersion int64           `json:"expectedVersion,omitempty"`
	Payload         MutationPayload `json:"payload"`
	OriginSessionID string          `json:"-"`
}

const (
	ResultConfirmed = "confirmed"
	ResultRejected  = "rejected"
)

const (
	ReasonInvalidInput       = "invalid_input"
	ReasonVersionConflict    = "version_conflict"
	ReasonPersistenceFailure = "persistence_failure"
)

// Outcome is the single response a mutation's origin receives. On a version
// conflict Task carries the current authoritative record so the client can
// re-derive its state from truth instead of retrying blindly.
type Outcome struct {
	Result       string `json:"result"`
	Reason       string `json:"reason,omitempty"`
	Message      string `json:"message,omitempty"`
	Task         *Task  `json:"task,omitempty"`
	Tasks        []Task `json:"tasks,omitempty"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

const (
	BroadcastTaskChanged      = "task_changed"
	BroadcastTaskDeleted      = "task_deleted"
	BroadcastLaneRenormalized = "lane_renormalized"
	MessageSnapshot           = "snapshot"
)

// BroadcastMessage is fanned out to every session in a room, origin included,
// so client-guessed fields are always replaced by the canonical ones.
type BroadcastMessage struct {
	Type         string `json:"type"`
	Task         *Task  `json:"task,omitempty"`
	Tasks        []Task `json:"tasks,omitempty"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// SnapshotMessage is the full authoritative view sent on join and reconnect,
// ordered lane then position.
type SnapshotMessage struct {
	Type  string `json:"type"`
	Tasks []Task `json:"tasks"`
}

// Publisher fans a confirmed mutation out to a room. Implementations must
// preserve the call order per room; the coordinator publishes inside the
// room's single-writer critical section to make that ordering meaningful.
type Publisher interface {
	Publish(projectID string, message BroadcastMessage, originSessionID string)
}
