package models

import "time"

// TaskStatus represents the lifecycle state of a bulk-send task
type TaskStatus string

const (
	TaskStatusDraft     TaskStatus = "draft"
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusSending   TaskStatus = "sending"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusClosed    TaskStatus = "closed"
)

// IsTerminal reports whether the task can no longer change state
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusClosed:
		return true
	}
	return false
}

// RuleKind discriminates the recipient rule union
type RuleKind string

const (
	RuleSpecific    RuleKind = "specific"
	RuleTagBased    RuleKind = "tag_based"
	RuleAllContacts RuleKind = "all_contacts"
)

// RecipientRule declares which contacts a task addresses.
// Exactly one variant is meaningful depending on Kind.
type RecipientRule struct {
	Kind        RuleKind `json:"kind"`
	ContactIDs  []string `json:"contact_ids,omitempty"`  // specific
	IncludeTags []string `json:"include_tags,omitempty"` // tag_based
	ExcludeTags []string `json:"exclude_tags,omitempty"` // tag_based
}

// Task represents a user-defined bulk email send job
type Task struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Name          string        `json:"name"`
	Status        TaskStatus    `json:"status"`
	Rule          RecipientRule `json:"rule"`
	TemplateSetID string        `json:"template_set_id"`
	SenderID      string        `json:"sender_id"`
	ScheduleTime  *time.Time    `json:"schedule_time,omitempty"`
	PauseReason   string        `json:"pause_reason,omitempty"`
	Stats         TaskStats     `json:"stats"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ActivatedAt   *time.Time    `json:"activated_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// TaskStats holds cached per-status subtask counts
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Allocated int `json:"allocated"`
	Sending   int `json:"sending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Opened    int `json:"opened"`
	Clicked   int `json:"clicked"`
	Bounced   int `json:"bounced"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Reached reports how many subtasks made it to the wire: sent or any
// post-send upgrade, including bounced, since a bounce means the send
// itself went out.
func (s TaskStats) Reached() int {
	return s.Sent + s.Delivered + s.Opened + s.Clicked + s.Bounced
}

// NonTerminal reports how many subtasks still need dispatch attention
func (s TaskStats) NonTerminal() int {
	return s.Pending + s.Allocated + s.Sending
}

// TaskListFilter for filtering tasks
type TaskListFilter struct {
	Status TaskStatus
	Limit  int
	Offset int
}
