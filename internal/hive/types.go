package hive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Status is the lifecycle state of a bead.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	StatusTombstone  Status = "tombstone"
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed, StatusTombstone:
		return true
	}
	return false
}

// IssueType classifies a bead.
type IssueType string

const (
	TypeBug     IssueType = "bug"
	TypeFeature IssueType = "feature"
	TypeTask    IssueType = "task"
	TypeEpic    IssueType = "epic"
	TypeChore   IssueType = "chore"
)

// ValidIssueType reports whether t is a known issue type.
func ValidIssueType(t IssueType) bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore:
		return true
	}
	return false
}

// Relationship is a dependency edge kind. "blocked-by" is computed and
// never stored; it is always written as the inverse "blocks" edge. Only
// "blocks" edges carry traversal semantics.
type Relationship string

const (
	RelBlocks         Relationship = "blocks"
	RelRelated        Relationship = "related"
	RelDiscoveredFrom Relationship = "discovered-from"
)

// Bead is a single unit of work with a stable id, status and relationships.
type Bead struct {
	ID           string    `json:"id"`
	Project      string    `json:"project_key"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	IssueType    IssueType `json:"issue_type"`
	Priority     int       `json:"priority"`
	Status       Status    `json:"status"`
	ParentID     string    `json:"parent_id,omitempty"`
	Assignee     string    `json:"assignee,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CloseReason  string    `json:"close_reason,omitempty"`
	FilesTouched []string  `json:"files_touched,omitempty"`
	CreatedAt    int64     `json:"created_at"`
	UpdatedAt    int64     `json:"updated_at"`
	ClosedAt     *int64    `json:"closed_at,omitempty"`
	DeletedAt    *int64    `json:"deleted_at,omitempty"`
	ContentHash  string    `json:"content_hash"`
	Labels       []string  `json:"labels,omitempty"`
}

// ContentHashOf computes the stable hash of a bead's semantic fields.
// Labels and dependency targets participate sorted so set order never
// changes the hash.
func ContentHashOf(b *Bead, labels, deps []string) string {
	ls := append([]string(nil), labels...)
	ds := append([]string(nil), deps...)
	sort.Strings(ls)
	sort.Strings(ds)
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d\x00%s\x00%s\x00%s\x00%s",
		b.ID, b.Title, b.Description, b.IssueType, b.Priority, b.Status, b.ParentID,
		strings.Join(ls, ","), strings.Join(ds, ","))
	return hex.EncodeToString(h.Sum(nil))
}

// Event is one row of the append-only ledger.
type Event struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Project  string `json:"project_key"`
	TsMs     int64  `json:"timestamp"`
	Sequence int64  `json:"sequence"`
	Data     string `json:"data"`
}

// DataMap parses the event payload.
func (e *Event) DataMap() (map[string]any, error) {
	m := map[string]any{}
	if e.Data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(e.Data), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Event types recorded in the ledger.
const (
	EvBeadCreated           = "bead_created"
	EvBeadUpdated           = "bead_updated"
	EvBeadStatusChanged     = "bead_status_changed"
	EvBeadClosed            = "bead_closed"
	EvBeadReopened          = "bead_reopened"
	EvBeadDeleted           = "bead_deleted"
	EvBeadCompacted         = "bead_compacted"
	EvBeadDependencyAdded   = "bead_dependency_added"
	EvBeadDependencyRemoved = "bead_dependency_removed"
	EvBeadLabelAdded        = "bead_label_added"
	EvBeadLabelRemoved      = "bead_label_removed"
	EvBeadCommentAdded      = "bead_comment_added"
	EvBeadCommentUpdated    = "bead_comment_updated"
	EvBeadCommentDeleted    = "bead_comment_deleted"
	EvEpicClosureEligible   = "bead_epic_closure_eligible"
	EvAgentRegistered       = "agent_registered"
	EvAgentSeen             = "agent_seen"
	EvMessageSent           = "message_sent"
	EvMessageRead           = "message_read"
	EvReservationAcquired   = "reservation_acquired"
	EvReservationReleased   = "reservation_released"
	EvDecisionRecorded      = "decision_recorded"
)

// EventFilter selects ledger rows for reads and replays.
type EventFilter struct {
	Project  string
	Types    []string
	BeadID   string
	SinceMs  int64
	UntilMs  int64
	AfterSeq int64
	Limit    int
	Offset   int
}

// Dependency is one edge of the dependency graph.
type Dependency struct {
	BeadID       string       `json:"bead_id"`
	DependsOnID  string       `json:"depends_on_id"`
	Relationship Relationship `json:"relationship"`
	CreatedAt    int64        `json:"created_at"`
}

// Comment is one node of a bead's comment tree.
type Comment struct {
	ID              int64  `json:"id"`
	BeadID          string `json:"bead_id"`
	Author          string `json:"author"`
	Body            string `json:"body"`
	ParentCommentID *int64 `json:"parent_comment_id,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	Metadata        string `json:"metadata,omitempty"`
}

// Agent is a registered fleet member.
type Agent struct {
	Project      string `json:"project_key"`
	Name         string `json:"name"`
	Program      string `json:"program"`
	Model        string `json:"model"`
	RegisteredAt int64  `json:"registered_at"`
	LastSeenAt   int64  `json:"last_seen_at"`
}

// Message is an inter-agent mail item.
type Message struct {
	ID         int64    `json:"id"`
	Project    string   `json:"project_key"`
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	CreatedAt  int64    `json:"created_at"`
	ReadBy     []string `json:"read_by,omitempty"`
}

// Reservation is a time-bounded lease an agent holds over a path pattern.
type Reservation struct {
	Project    string `json:"project_key"`
	Agent      string `json:"agent"`
	FileGlob   string `json:"file_glob"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// DecisionType classifies a persisted coordinator/worker decision.
type DecisionType string

const (
	DecisionStrategySelection DecisionType = "strategy_selection"
	DecisionWorkerSpawn       DecisionType = "worker_spawn"
	DecisionReviewDecision    DecisionType = "review_decision"
	DecisionFileSelection     DecisionType = "file_selection"
	DecisionScopeChange       DecisionType = "scope_change"
)

// DecisionTrace records a decision with its inputs, alternatives and rationale.
type DecisionTrace struct {
	ID              int64        `json:"id"`
	DecisionType    DecisionType `json:"decision_type"`
	EpicID          string       `json:"epic_id,omitempty"`
	BeadID          string       `json:"bead_id,omitempty"`
	AgentName       string       `json:"agent_name"`
	Project         string       `json:"project_key"`
	Decision        string       `json:"decision"`
	Rationale       string       `json:"rationale,omitempty"`
	InputsGathered  string       `json:"inputs_gathered,omitempty"`
	PolicyEvaluated string       `json:"policy_evaluated,omitempty"`
	Alternatives    string       `json:"alternatives,omitempty"`
	PrecedentCited  string       `json:"precedent_cited,omitempty"`
	OutcomeEventID  *int64       `json:"outcome_event_id,omitempty"`
	TsMs            int64        `json:"timestamp"`
}

// BeadFilter selects beads from the projection.
type BeadFilter struct {
	Project        string
	Statuses       []Status
	IssueTypes     []IssueType
	ParentID       string
	Assignee       string
	Label          string
	IncludeDeleted bool
	Limit          int
	Offset         int
}
