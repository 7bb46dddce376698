package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lettermill/lettermill/internal/models"
)

// PutService inserts or replaces a service record
func (s *Store) PutService(svc *models.EmailService) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		svc.UpdatedAt = time.Now()
		data, err := json.Marshal(svc)
		if err != nil {
			return fmt.Errorf("failed to marshal service: %w", err)
		}
		return tx.Bucket(bucketServices).Put([]byte(svc.ID), data)
	})
}

// GetService retrieves a service by ID, ErrNotFound if missing
func (s *Store) GetService(id string) (*models.EmailService, error) {
	var svc *models.EmailService

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		svc = &models.EmailService{}
		return json.Unmarshal(data, svc)
	})

	return svc, err
}

// ListServices returns all services ordered by ID
func (s *Store) ListServices() ([]*models.EmailService, error) {
	var svcs []*models.EmailService

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketServices).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var svc models.EmailService
			if err := json.Unmarshal(v, &svc); err != nil {
				continue
			}
			svcs = append(svcs, &svc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(svcs, func(i, j int) bool { return svcs[i].ID < svcs[j].ID })
	return svcs, nil
}

// UpdateService applies fn to one service inside a single write
// transaction. fn may return an error to abort.
func (s *Store) UpdateService(id string, fn func(*models.EmailService) error) (*models.EmailService, error) {
	var svc *models.EmailService

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var sv models.EmailService
		if err := json.Unmarshal(data, &sv); err != nil {
			return fmt.Errorf("failed to unmarshal service: %w", err)
		}

		if err := fn(&sv); err != nil {
			return err
		}

		sv.UpdatedAt = time.Now()
		out, err := json.Marshal(&sv)
		if err != nil {
			return fmt.Errorf("failed to marshal service: %w", err)
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}

		svc = &sv
		return nil
	})

	return svc, err
}

// MutateServices runs fn over all services (ordered by ID) in one write
// transaction and persists every service fn returns. This is the hook the
// governor uses to make reservation a single atomic conditional update:
// eligibility check, selection and counter increment all commit together,
// so concurrent workers can never reserve the same unit of quota.
func (s *Store) MutateServices(fn func(svcs []*models.EmailService) ([]*models.EmailService, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)

		var svcs []*models.EmailService
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var svc models.EmailService
			if err := json.Unmarshal(v, &svc); err != nil {
				continue
			}
			svcs = append(svcs, &svc)
		}
		sort.Slice(svcs, func(i, j int) bool { return svcs[i].ID < svcs[j].ID })

		dirty, err := fn(svcs)
		if err != nil {
			return err
		}

		now := time.Now()
		for _, svc := range dirty {
			svc.UpdatedAt = now
			out, err := json.Marshal(svc)
			if err != nil {
				return fmt.Errorf("failed to marshal service: %w", err)
			}
			if err := b.Put([]byte(svc.ID), out); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendQuotaAdjustment writes an audit entry. The log is append-only:
// entries are keyed by timestamp and never rewritten.
func (s *Store) AppendQuotaAdjustment(adj *models.QuotaAdjustment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(adj)
		if err != nil {
			return fmt.Errorf("failed to marshal adjustment: %w", err)
		}
		key := makeIndexKey(adj.CreatedAt, adj.ID)
		return tx.Bucket(bucketQuotaAudit).Put(key, data)
	})
}

// ListQuotaAdjustments returns audit entries, oldest first. Empty
// serviceID returns all.
func (s *Store) ListQuotaAdjustments(serviceID string, limit int) ([]*models.QuotaAdjustment, error) {
	var entries []*models.QuotaAdjustment

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketQuotaAudit).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var adj models.QuotaAdjustment
			if err := json.Unmarshal(v, &adj); err != nil {
				continue
			}
			if serviceID != "" && adj.ServiceID != serviceID {
				continue
			}
			entries = append(entries, &adj)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})

	return entries, err
}
