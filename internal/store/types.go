package store

import "time"

// InstanceType classifies what kind of agent an instance runs.
type InstanceType string

const (
	InstanceTypeCoding   InstanceType = "coding"
	InstanceTypeReview   InstanceType = "review"
	InstanceTypePlanning InstanceType = "planning"
)

// InstanceStatus is the lifecycle status of an instance.
//
// The store persists statuses as plain TEXT and does not enforce the
// enumeration; validation, where wanted, happens at the API boundary.
type InstanceStatus string

const (
	StatusStarted       InstanceStatus = "started"
	StatusWaitingReview InstanceStatus = "waiting_review"
	StatusPRCreated     InstanceStatus = "pr_created"
	StatusPRClosed      InstanceStatus = "pr_closed"
	StatusPRMerged      InstanceStatus = "pr_merged"
	StatusTerminated    InstanceStatus = "terminated"
)

// IsTerminal reports whether no further transitions are legal from s.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusTerminated, StatusPRClosed, StatusPRMerged:
		return true
	}
	return false
}

// RelationshipSpawnedReview marks a parent -> child review lineage edge.
const RelationshipSpawnedReview = "spawned_review"

// Instance is the canonical record of one agent across its full lifecycle.
// Resource handle fields are empty strings while the row sits in its
// reserved-but-unallocated window during Execute.
type Instance struct {
	ID               string         `json:"id"`
	Type             InstanceType   `json:"type"`
	Status           InstanceStatus `json:"status"`
	WorktreePath     string         `json:"worktree_path"`
	BranchName       string         `json:"branch_name"`
	TmuxSession      string         `json:"tmux_session"`
	IssueNumber      *int           `json:"issue_number,omitempty"`
	ParentInstanceID string         `json:"parent_instance_id,omitempty"`
	BaseBranch       string         `json:"base_branch"`
	AgentNumber      int            `json:"agent_number"`
	SystemPrompt     string         `json:"system_prompt"`
	PromptUsed       string         `json:"prompt_used"`
	PromptContext    string         `json:"prompt_context"`
	ClaudePID        *int           `json:"claude_pid,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActivity     time.Time      `json:"last_activity"`
	TerminatedAt     *time.Time     `json:"terminated_at,omitempty"`
}

// InstancePatch describes a partial update of an instance row. Nil fields
// are left untouched. LastActivity is advanced automatically unless an
// explicit value is supplied.
type InstancePatch struct {
	Status        *InstanceStatus
	WorktreePath  *string
	BranchName    *string
	TmuxSession   *string
	ClaudePID     *int
	AgentNumber   *int
	SystemPrompt  *string
	PromptUsed    *string
	PromptContext *string
	IssueNumber   *int
	LastActivity  *time.Time
}

// InstanceFilter narrows ListInstances results. All set fields combine
// conjunctively. A nil Limit means unbounded; a zero Limit selects nothing.
type InstanceFilter struct {
	Types          []InstanceType
	Statuses       []InstanceStatus
	IssueNumber    *int
	ParentInstance string
	Limit          *int
	Offset         int
	OrderBy        string // created_at (default) or last_activity
	OrderDirection string // ASC or DESC (default)
}

// Event records one tool invocation or status change made by an agent.
type Event struct {
	ID               string                 `json:"id"`
	InstanceID       string                 `json:"instance_id"`
	ToolName         string                 `json:"tool_name"`
	Timestamp        time.Time              `json:"timestamp"`
	Success          bool                   `json:"success"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	IsStatusUpdating bool                   `json:"is_status_updating"`
	StatusChange     string                 `json:"status_change,omitempty"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	Result           map[string]interface{} `json:"result,omitempty"`
}

// StatusUpdateToolName is the tool_name recorded on the event paired with
// every UpdateInstanceStatus call.
const StatusUpdateToolName = "update_instance_status"

// Relationship is a directed edge between two instances, unique on the
// (parent, child, type) triple.
type Relationship struct {
	ID               string    `json:"id"`
	ParentInstance   string    `json:"parent_instance"`
	ChildInstance    string    `json:"child_instance"`
	RelationshipType string    `json:"relationship_type"`
	ReviewIteration  int       `json:"review_iteration"`
	CreatedAt        time.Time `json:"created_at"`
}

// RelationshipPatch describes a partial update of a relationship row.
type RelationshipPatch struct {
	RelationshipType *string
	ReviewIteration  *int
}

// GitHubIssue is a locally cached copy of a GitHub issue used as an agent
// work source.
type GitHubIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []string  `json:"labels,omitempty"`
	Assignee  string    `json:"assignee,omitempty"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`
	SyncedAt  time.Time `json:"synced_at"`
}

// ConfigEntry is one engine-scoped key/value setting. Encrypted entries
// store ciphertext at rest; GetConfig transparently decrypts.
type ConfigEntry struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	IsEncrypted bool      `json:"is_encrypted"`
	UpdatedAt   time.Time `json:"updated_at"`
}
