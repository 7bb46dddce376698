// Package resolver turns a declarative recipient rule into a concrete,
// deduplicated contact list. Resolution happens exactly once, at task
// activation: tag edits before activation are honored, edits after are
// not.
package resolver

import (
	"errors"
	"fmt"

	"github.com/lettermill/lettermill/internal/models"
	"github.com/lettermill/lettermill/internal/store"
)

// ErrEmptyRecipientSet is returned when a rule resolves to zero
// contacts. Activation is rejected and the task stays in draft.
var ErrEmptyRecipientSet = errors.New("recipient rule resolves to no contacts")

// Resolver evaluates recipient rules against the contact directory
type Resolver struct {
	store *store.Store
}

// New creates a resolver over the given store
func New(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve evaluates the rule for the given owning user and returns an
// ordered, deduplicated list of contacts.
func (r *Resolver) Resolve(userID string, rule models.RecipientRule) ([]*models.Contact, error) {
	var contacts []*models.Contact

	switch rule.Kind {
	case models.RuleSpecific:
		seen := make(map[string]bool)
		for _, id := range rule.ContactIDs {
			if seen[id] {
				continue
			}
			seen[id] = true

			contact, err := r.store.GetContact(id)
			if errors.Is(err, store.ErrNotFound) {
				continue // contact deleted since the rule was written
			}
			if err != nil {
				return nil, err
			}
			contacts = append(contacts, contact)
		}

	case models.RuleTagBased:
		all, err := r.store.ListContactsByUser(userID)
		if err != nil {
			return nil, err
		}
		for _, contact := range all {
			if !hasAnyTag(contact, rule.IncludeTags) {
				continue
			}
			if hasAnyTag(contact, rule.ExcludeTags) {
				continue
			}
			contacts = append(contacts, contact)
		}

	case models.RuleAllContacts:
		all, err := r.store.ListContactsByUser(userID)
		if err != nil {
			return nil, err
		}
		contacts = all

	default:
		return nil, fmt.Errorf("unknown recipient rule kind: %q", rule.Kind)
	}

	if len(contacts) == 0 {
		return nil, ErrEmptyRecipientSet
	}
	return contacts, nil
}

func hasAnyTag(contact *models.Contact, tags []string) bool {
	for _, tag := range tags {
		if contact.HasTag(tag) {
			return true
		}
	}
	return false
}
