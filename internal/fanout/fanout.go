// Package fanout materializes one subtask per resolved contact at task
// activation. Template assignment is a deterministic hash so re-running
// fan-out reproduces the same assignment, and generation is idempotent:
// contacts that already have a subtask are skipped, which makes resume
// after a crash mid fan-out safe.
package fanout

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/lettermill/lettermill/internal/models"
	"github.com/lettermill/lettermill/internal/render"
	"github.com/lettermill/lettermill/internal/store"
)

// ErrNoTemplates is returned when the task's template set is empty
var ErrNoTemplates = errors.New("template set has no templates")

// Generator fans tasks out into subtasks
type Generator struct {
	store  *store.Store
	render render.Renderer
}

// New creates a generator. A nil renderer falls back to render.Default.
func New(s *store.Store, r render.Renderer) *Generator {
	if r == nil {
		r = render.Default
	}
	return &Generator{store: s, render: r}
}

// Generate creates pending subtasks for every contact that does not have
// one yet. Subject and body are rendered now and snapshotted onto the
// subtask; later contact edits must not alter generated subtasks.
// Returns the number of subtasks actually created.
func (g *Generator) Generate(task *models.Task, contacts []*models.Contact) (int, error) {
	set, err := g.store.GetTemplateSet(task.TemplateSetID)
	if err != nil {
		return 0, fmt.Errorf("failed to load template set: %w", err)
	}
	if len(set.Templates) == 0 {
		return 0, ErrNoTemplates
	}

	now := time.Now()
	subs := make([]*models.SubTask, 0, len(contacts))

	for _, contact := range contacts {
		tmpl := set.Templates[assign(contact.ID, len(set.Templates))]
		subject, body := g.render(tmpl, contact)

		subs = append(subs, &models.SubTask{
			ID:             uuid.New().String(),
			TaskID:         task.ID,
			ContactID:      contact.ID,
			RecipientEmail: contact.Email,
			TemplateID:     tmpl.ID,
			Subject:        subject,
			Body:           body,
			Status:         models.SubTaskPending,
			SenderID:       task.SenderID,
			NotBefore:      now,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	return g.store.CreateSubTasks(subs)
}

// assign picks a template index for a contact: fnv32(contact_id) mod n
func assign(contactID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(contactID))
	return int(h.Sum32() % uint32(n))
}
