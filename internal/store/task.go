package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lettermill/lettermill/internal/models"
)

// PutTask inserts or replaces a task record
func (s *Store) PutTask(task *models.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task.UpdatedAt = time.Now()
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
	})
}

// GetTask retrieves a task by ID, ErrNotFound if missing
func (s *Store) GetTask(id string) (*models.Task, error) {
	var task *models.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		task = &models.Task{}
		return json.Unmarshal(data, task)
	})

	return task, err
}

// UpdateTask applies fn to the task inside a single write transaction.
// fn may return an error to abort the update (e.g. an illegal state
// transition); the store persists whatever fn leaves in place otherwise.
func (s *Store) UpdateTask(id string, fn func(*models.Task) error) (*models.Task, error) {
	var task *models.Task

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var t models.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}

		if err := fn(&t); err != nil {
			return err
		}

		t.UpdatedAt = time.Now()
		out, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}

		task = &t
		return nil
	})

	return task, err
}

// ListTasks returns tasks matching the filter, newest first not
// guaranteed (bolt key order).
func (s *Store) ListTasks(filter models.TaskListFilter) ([]*models.Task, error) {
	var tasks []*models.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t models.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}

			if filter.Status != "" && t.Status != filter.Status {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			tasks = append(tasks, &t)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})

	return tasks, err
}

// DueScheduledTasks returns scheduled tasks whose schedule time has passed
func (s *Store) DueScheduledTasks(now time.Time) ([]*models.Task, error) {
	var tasks []*models.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t models.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Status != models.TaskStatusScheduled || t.ScheduleTime == nil {
				continue
			}
			if !t.ScheduleTime.After(now) {
				tasks = append(tasks, &t)
			}
		}
		return nil
	})

	return tasks, err
}
