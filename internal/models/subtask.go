package models

import "time"

// SubTaskStatus represents the state of a single recipient send
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskAllocated SubTaskStatus = "allocated"
	SubTaskSending   SubTaskStatus = "sending"
	SubTaskSent      SubTaskStatus = "sent"
	SubTaskDelivered SubTaskStatus = "delivered"
	SubTaskOpened    SubTaskStatus = "opened"
	SubTaskClicked   SubTaskStatus = "clicked"
	SubTaskBounced   SubTaskStatus = "bounced"
	SubTaskFailed    SubTaskStatus = "failed"
	SubTaskCancelled SubTaskStatus = "cancelled"
)

// IsTerminal reports whether the subtask is done as far as dispatch is
// concerned. Delivered/opened/clicked are webhook upgrades of sent.
func (s SubTaskStatus) IsTerminal() bool {
	switch s {
	case SubTaskSent, SubTaskDelivered, SubTaskOpened, SubTaskClicked,
		SubTaskBounced, SubTaskFailed, SubTaskCancelled:
		return true
	}
	return false
}

// SubTask is one email to one recipient, the atomic unit of dispatch work.
// Subject and body are snapshotted at fan-out time and immutable after.
type SubTask struct {
	ID             string        `json:"id"`
	TaskID         string        `json:"task_id"`
	ContactID      string        `json:"contact_id"`
	RecipientEmail string        `json:"recipient_email"`
	TemplateID     string        `json:"template_id"`
	Subject        string        `json:"subject"`
	Body           string        `json:"body"`
	Status         SubTaskStatus `json:"status"`
	ServiceID      string        `json:"service_id,omitempty"`
	SenderID       string        `json:"sender_id"`
	AttemptCount   int           `json:"attempt_count"`
	LastError      string        `json:"last_error,omitempty"`
	ProviderMsgID  string        `json:"provider_msg_id,omitempty"`
	NotBefore      time.Time     `json:"not_before"` // earliest claim time (retry backoff)
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// SubTaskFilter for listing subtasks
type SubTaskFilter struct {
	TaskID string
	Status SubTaskStatus
	Limit  int
	Offset int
}
