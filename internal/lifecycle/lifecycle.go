// Package lifecycle owns the task state machine. Activation resolves
// recipients and fans out subtasks, the scheduler tick starts scheduled
// tasks whose time has come, and the sweep derives terminal task status
// from aggregate subtask progress.
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lettermill/lettermill/internal/fanout"
	"github.com/lettermill/lettermill/internal/models"
	"github.com/lettermill/lettermill/internal/resolver"
	"github.com/lettermill/lettermill/internal/store"
)

var (
	// ErrValidation marks synchronous request errors surfaced to the caller
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition is returned for a state change the task's
	// current status does not allow.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Service drives tasks through their lifecycle
type Service struct {
	store    *store.Store
	resolver *resolver.Resolver
	fanout   *fanout.Generator
	logger   *slog.Logger
}

// New creates a lifecycle service
func New(s *store.Store, r *resolver.Resolver, g *fanout.Generator, logger *slog.Logger) *Service {
	return &Service{store: s, resolver: r, fanout: g, logger: logger}
}

// CreateTaskRequest carries the fields of a new task
type CreateTaskRequest struct {
	UserID        string
	Name          string
	Rule          models.RecipientRule
	TemplateSetID string
	SenderID      string
	ScheduleTime  *time.Time
}

// CreateTask validates and stores a new task in draft (or scheduled when
// a schedule time is given). Subtasks are not created here: recipient
// membership is resolved at activation so pre-activation tag edits are
// honored.
func (s *Service) CreateTask(req CreateTaskRequest) (*models.Task, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: task name is required", ErrValidation)
	}
	switch req.Rule.Kind {
	case models.RuleSpecific, models.RuleTagBased, models.RuleAllContacts:
	default:
		return nil, fmt.Errorf("%w: unknown recipient rule kind %q", ErrValidation, req.Rule.Kind)
	}

	sender, err := s.store.GetSender(req.SenderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: sender %q not found", ErrValidation, req.SenderID)
	}
	if err != nil {
		return nil, err
	}

	set, err := s.store.GetTemplateSet(req.TemplateSetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: template set %q not found", ErrValidation, req.TemplateSetID)
	}
	if err != nil {
		return nil, err
	}
	if len(set.Templates) == 0 {
		return nil, fmt.Errorf("%w: template set %q is empty", ErrValidation, req.TemplateSetID)
	}

	now := time.Now()
	task := &models.Task{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Name:          req.Name,
		Status:        models.TaskStatusDraft,
		Rule:          req.Rule,
		TemplateSetID: req.TemplateSetID,
		SenderID:      sender.ID,
		ScheduleTime:  req.ScheduleTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ScheduleTime != nil {
		task.Status = models.TaskStatusScheduled
	}

	if err := s.store.PutTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// Activate resolves recipients, fans out subtasks and moves the task to
// sending. Fan-out runs before the status flip, so a crash mid fan-out
// leaves the task activatable again; generation is idempotent and only
// fills in missing subtasks on the second run.
func (s *Service) Activate(taskID string) (*models.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusDraft && task.Status != models.TaskStatusScheduled {
		return nil, fmt.Errorf("%w: cannot activate task in status %q", ErrInvalidTransition, task.Status)
	}

	contacts, err := s.resolver.Resolve(task.UserID, task.Rule)
	if err != nil {
		return nil, err // EmptyRecipientSet keeps the task in draft
	}

	created, err := s.fanout.Generate(task, contacts)
	if err != nil {
		return nil, err
	}

	stats, err := s.store.TaskStats(taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	task, err = s.store.UpdateTask(taskID, func(t *models.Task) error {
		if t.Status != models.TaskStatusDraft && t.Status != models.TaskStatusScheduled {
			return fmt.Errorf("%w: cannot activate task in status %q", ErrInvalidTransition, t.Status)
		}
		t.Status = models.TaskStatusSending
		t.ActivatedAt = &now
		t.Stats = stats
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task activated",
		"task_id", taskID,
		"recipients", len(contacts),
		"subtasks_created", created,
	)
	return task, nil
}

// Pause stops workers from claiming the task's pending subtasks.
// In-flight sends finish on their own. Pausing a paused task is a no-op.
func (s *Service) Pause(taskID, reason string) (*models.Task, error) {
	return s.store.UpdateTask(taskID, func(t *models.Task) error {
		switch t.Status {
		case models.TaskStatusPaused:
			return nil // no-op
		case models.TaskStatusSending:
			t.Status = models.TaskStatusPaused
			t.PauseReason = reason
			return nil
		default:
			return fmt.Errorf("%w: cannot pause task in status %q", ErrInvalidTransition, t.Status)
		}
	})
}

// Resume puts a paused task back into claim eligibility. Only pending
// subtasks re-enter the queue; sent ones are untouched by construction.
func (s *Service) Resume(taskID string) (*models.Task, error) {
	return s.store.UpdateTask(taskID, func(t *models.Task) error {
		if t.Status != models.TaskStatusPaused {
			return fmt.Errorf("%w: cannot resume task in status %q", ErrInvalidTransition, t.Status)
		}
		t.Status = models.TaskStatusSending
		t.PauseReason = ""
		return nil
	})
}

// CancelSchedule reverts a scheduled task to draft before it starts
func (s *Service) CancelSchedule(taskID string) (*models.Task, error) {
	return s.store.UpdateTask(taskID, func(t *models.Task) error {
		if t.Status != models.TaskStatusScheduled {
			return fmt.Errorf("%w: cannot unschedule task in status %q", ErrInvalidTransition, t.Status)
		}
		t.Status = models.TaskStatusDraft
		t.ScheduleTime = nil
		return nil
	})
}

// Cancel terminates the task. Remaining pending/allocated subtasks are
// marked cancelled; sent ones keep their history.
func (s *Service) Cancel(taskID string) (*models.Task, error) {
	return s.finish(taskID, models.TaskStatusCancelled, func(status models.TaskStatus) error {
		if status.IsTerminal() {
			return fmt.Errorf("%w: task already in terminal status %q", ErrInvalidTransition, status)
		}
		return nil
	})
}

// Close closes a paused task for good
func (s *Service) Close(taskID string) (*models.Task, error) {
	return s.finish(taskID, models.TaskStatusClosed, func(status models.TaskStatus) error {
		if status != models.TaskStatusPaused {
			return fmt.Errorf("%w: cannot close task in status %q", ErrInvalidTransition, status)
		}
		return nil
	})
}

func (s *Service) finish(taskID string, to models.TaskStatus, guard func(models.TaskStatus) error) (*models.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if err := guard(task.Status); err != nil {
		return nil, err
	}

	cancelled, err := s.store.CancelOpenSubTasks(taskID)
	if err != nil {
		return nil, err
	}

	stats, err := s.store.TaskStats(taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	task, err = s.store.UpdateTask(taskID, func(t *models.Task) error {
		if err := guard(t.Status); err != nil {
			return err
		}
		t.Status = to
		t.Stats = stats
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task finished by user",
		"task_id", taskID,
		"status", to,
		"subtasks_cancelled", cancelled,
	)
	return task, nil
}

// Sweep refreshes cached stats for every sending task and closes out
// tasks whose subtasks are all terminal: completed when at least one
// reached the wire, failed when none did (systemic failure).
func (s *Service) Sweep(now time.Time) error {
	tasks, err := s.store.ListTasks(models.TaskListFilter{Status: models.TaskStatusSending})
	if err != nil {
		return err
	}

	for _, task := range tasks {
		stats, err := s.store.TaskStats(task.ID)
		if err != nil {
			s.logger.Error("failed to compute task stats", "task_id", task.ID, "error", err)
			continue
		}

		terminal := stats.Total > 0 && stats.NonTerminal() == 0
		status := task.Status
		if terminal {
			if stats.Reached() > 0 {
				status = models.TaskStatusCompleted
			} else {
				status = models.TaskStatusFailed
			}
		}

		_, err = s.store.UpdateTask(task.ID, func(t *models.Task) error {
			if t.Status != models.TaskStatusSending {
				return store.ErrConflict // user action raced the sweep
			}
			t.Stats = stats
			if terminal {
				t.Status = status
				t.FinishedAt = &now
			}
			return nil
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			s.logger.Error("failed to update task", "task_id", task.ID, "error", err)
			continue
		}

		if terminal {
			s.logger.Info("task finished",
				"task_id", task.ID,
				"status", status,
				"sent", stats.Reached(),
				"failed", stats.Failed,
			)
		}
	}
	return nil
}

// ActivateDue activates scheduled tasks whose schedule time has passed.
// A task whose rule resolves to zero contacts is demoted to draft, the
// same rejection a manual activation gets; leaving it scheduled would
// have every tick retry it forever.
func (s *Service) ActivateDue(now time.Time) {
	due, err := s.store.DueScheduledTasks(now)
	if err != nil {
		s.logger.Error("failed to scan scheduled tasks", "error", err)
		return
	}

	for _, task := range due {
		_, err := s.Activate(task.ID)
		if err == nil {
			continue
		}
		if errors.Is(err, resolver.ErrEmptyRecipientSet) {
			if _, derr := s.CancelSchedule(task.ID); derr != nil && !errors.Is(derr, ErrInvalidTransition) {
				s.logger.Error("failed to demote empty scheduled task",
					"task_id", task.ID,
					"error", derr,
				)
				continue
			}
			s.logger.Warn("scheduled task resolved no recipients, moved to draft",
				"task_id", task.ID,
			)
			continue
		}
		s.logger.Error("failed to activate scheduled task",
			"task_id", task.ID,
			"error", err,
		)
	}
}
