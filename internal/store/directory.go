package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lettermill/lettermill/internal/models"
)

// ErrSenderInUse is returned when deleting a sender still referenced by
// a task.
var ErrSenderInUse = errors.New("sender is referenced by a task")

// PutContact inserts or replaces a contact record
func (s *Store) PutContact(contact *models.Contact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		contact.UpdatedAt = time.Now()
		data, err := json.Marshal(contact)
		if err != nil {
			return fmt.Errorf("failed to marshal contact: %w", err)
		}
		return tx.Bucket(bucketContacts).Put([]byte(contact.ID), data)
	})
}

// GetContact retrieves a contact by ID, ErrNotFound if missing
func (s *Store) GetContact(id string) (*models.Contact, error) {
	var contact *models.Contact

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContacts).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		contact = &models.Contact{}
		return json.Unmarshal(data, contact)
	})

	return contact, err
}

// ListContactsByUser returns every contact the user may address,
// ordered by contact ID (bolt key order).
func (s *Store) ListContactsByUser(userID string) ([]*models.Contact, error) {
	var contacts []*models.Contact

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketContacts).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var contact models.Contact
			if err := json.Unmarshal(v, &contact); err != nil {
				continue
			}
			if userID != "" && contact.UserID != userID {
				continue
			}
			contacts = append(contacts, &contact)
		}
		return nil
	})

	return contacts, err
}

// PutTemplateSet inserts or replaces a template set
func (s *Store) PutTemplateSet(set *models.TemplateSet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		set.UpdatedAt = time.Now()
		data, err := json.Marshal(set)
		if err != nil {
			return fmt.Errorf("failed to marshal template set: %w", err)
		}
		return tx.Bucket(bucketTemplateSets).Put([]byte(set.ID), data)
	})
}

// GetTemplateSet retrieves a template set by ID, ErrNotFound if missing
func (s *Store) GetTemplateSet(id string) (*models.TemplateSet, error) {
	var set *models.TemplateSet

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplateSets).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		set = &models.TemplateSet{}
		return json.Unmarshal(data, set)
	})

	return set, err
}

// PutSender inserts or replaces a sender. Sender names are globally
// unique; inserting a second sender with an existing name fails.
func (s *Store) PutSender(sender *models.Sender) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSenders)

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var existing models.Sender
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.Name == sender.Name && existing.ID != sender.ID {
				return fmt.Errorf("sender name %q already taken: %w", sender.Name, ErrConflict)
			}
		}

		data, err := json.Marshal(sender)
		if err != nil {
			return fmt.Errorf("failed to marshal sender: %w", err)
		}
		return b.Put([]byte(sender.ID), data)
	})
}

// GetSender retrieves a sender by ID, ErrNotFound if missing
func (s *Store) GetSender(id string) (*models.Sender, error) {
	var sender *models.Sender

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSenders).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		sender = &models.Sender{}
		return json.Unmarshal(data, sender)
	})

	return sender, err
}

// ListSenders returns all senders
func (s *Store) ListSenders() ([]*models.Sender, error) {
	var senders []*models.Sender

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSenders).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sender models.Sender
			if err := json.Unmarshal(v, &sender); err != nil {
				continue
			}
			senders = append(senders, &sender)
		}
		return nil
	})

	return senders, err
}

// DeleteSender removes a sender unless any task still references it
func (s *Store) DeleteSender(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSenders)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}

		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t models.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.SenderID == id {
				return ErrSenderInUse
			}
		}

		return b.Delete([]byte(id))
	})
}
