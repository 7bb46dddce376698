package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lettermill/lettermill/internal/models"
)

// CreateSubTasks inserts the given subtasks, skipping any (task, contact)
// pair that already has one. Safe to re-run after a crash mid fan-out.
// Returns how many were actually created.
func (s *Store) CreateSubTasks(subs []*models.SubTask) (int, error) {
	created := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		subBucket := tx.Bucket(bucketSubTasks)
		pendingBucket := tx.Bucket(bucketPending)
		contactBucket := tx.Bucket(bucketByContact)

		for _, sub := range subs {
			key := contactKey(sub.TaskID, sub.ContactID)
			if contactBucket.Get(key) != nil {
				continue // already fanned out
			}

			data, err := json.Marshal(sub)
			if err != nil {
				return fmt.Errorf("failed to marshal subtask: %w", err)
			}
			if err := subBucket.Put([]byte(sub.ID), data); err != nil {
				return fmt.Errorf("failed to store subtask: %w", err)
			}
			if err := contactBucket.Put(key, []byte(sub.ID)); err != nil {
				return fmt.Errorf("failed to index subtask: %w", err)
			}
			if sub.Status == models.SubTaskPending {
				indexKey := makeIndexKey(sub.NotBefore, sub.ID)
				if err := pendingBucket.Put(indexKey, []byte(sub.ID)); err != nil {
					return fmt.Errorf("failed to add to pending index: %w", err)
				}
			}
			created++
		}
		return nil
	})

	return created, err
}

// GetSubTask retrieves a subtask by ID, ErrNotFound if missing
func (s *Store) GetSubTask(id string) (*models.SubTask, error) {
	var sub *models.SubTask

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSubTasks).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		sub = &models.SubTask{}
		return json.Unmarshal(data, sub)
	})

	return sub, err
}

// ClaimSubTasks atomically transitions up to limit ripe pending subtasks
// to allocated and returns them. Only subtasks whose task is in sending
// state are claimed; paused tasks keep their pending entries untouched
// so resume picks them up again, while pending subtasks of finished
// tasks are cancelled on sight. Claims and index removal happen in one
// write transaction, so two workers can never hold the same subtask.
func (s *Store) ClaimSubTasks(now time.Time, limit int) ([]*models.SubTask, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []*models.SubTask

	err := s.db.Update(func(tx *bolt.Tx) error {
		subBucket := tx.Bucket(bucketSubTasks)
		pendingBucket := tx.Bucket(bucketPending)
		taskBucket := tx.Bucket(bucketTasks)

		taskStatus := make(map[string]models.TaskStatus)

		c := pendingBucket.Cursor()
		for k, v := c.First(); k != nil && len(claimed) < limit; k, v = c.Next() {
			ts := parseTimestampFromKey(k)
			if ts.After(now) {
				break // index is time ordered, all remaining are in the future
			}

			data := subBucket.Get(v)
			if data == nil {
				c.Delete() // subtask gone, drop stale index entry
				continue
			}

			var sub models.SubTask
			if err := json.Unmarshal(data, &sub); err != nil {
				c.Delete()
				continue
			}
			if sub.Status != models.SubTaskPending {
				c.Delete() // stale entry, someone already moved it on
				continue
			}

			status, ok := taskStatus[sub.TaskID]
			if !ok {
				taskData := taskBucket.Get([]byte(sub.TaskID))
				if taskData == nil {
					continue
				}
				var t models.Task
				if err := json.Unmarshal(taskData, &t); err != nil {
					continue
				}
				status = t.Status
				taskStatus[sub.TaskID] = status
			}
			if status.IsTerminal() {
				// The task finished while this subtask waited in the
				// queue; nothing will ever claim it again, close it out.
				sub.Status = models.SubTaskCancelled
				sub.UpdatedAt = now
				out, err := json.Marshal(&sub)
				if err != nil {
					return err
				}
				if err := subBucket.Put([]byte(sub.ID), out); err != nil {
					return err
				}
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}
			if status != models.TaskStatusSending {
				continue // paused task, leave in place
			}

			sub.Status = models.SubTaskAllocated
			sub.UpdatedAt = now

			out, err := json.Marshal(&sub)
			if err != nil {
				return err
			}
			if err := subBucket.Put([]byte(sub.ID), out); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}

			claimed = append(claimed, &sub)
		}
		return nil
	})

	return claimed, err
}

// ClaimSubTask conditionally transitions one subtask pending -> allocated.
// Returns ErrConflict if the subtask is not pending anymore (another
// worker won the race).
func (s *Store) ClaimSubTask(id string) (*models.SubTask, error) {
	return s.UpdateSubTask(id, models.SubTaskPending, func(sub *models.SubTask) {
		sub.Status = models.SubTaskAllocated
	})
}

// ReleaseSubTask reverts an allocated subtask to pending without side
// effects, delaying the next claim until notBefore. Used when no service
// is eligible: quota exhaustion is throttling, not failure.
func (s *Store) ReleaseSubTask(id string, notBefore time.Time) error {
	_, err := s.UpdateSubTask(id, models.SubTaskAllocated, func(sub *models.SubTask) {
		sub.Status = models.SubTaskPending
		sub.NotBefore = notBefore
	})
	return err
}

// UpdateSubTask applies fn to the subtask if and only if it is currently
// in the from status; otherwise ErrConflict. If fn leaves the subtask
// pending, it is (re-)added to the pending index at its NotBefore time.
func (s *Store) UpdateSubTask(id string, from models.SubTaskStatus, fn func(*models.SubTask)) (*models.SubTask, error) {
	var sub *models.SubTask

	err := s.db.Update(func(tx *bolt.Tx) error {
		subBucket := tx.Bucket(bucketSubTasks)
		pendingBucket := tx.Bucket(bucketPending)

		data := subBucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var st models.SubTask
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("failed to unmarshal subtask: %w", err)
		}
		if st.Status != from {
			return ErrConflict
		}

		if st.Status == models.SubTaskPending {
			// Leaving pending: drop the index entry
			if err := pendingBucket.Delete(makeIndexKey(st.NotBefore, st.ID)); err != nil {
				return err
			}
		}

		fn(&st)
		st.UpdatedAt = time.Now()

		out, err := json.Marshal(&st)
		if err != nil {
			return fmt.Errorf("failed to marshal subtask: %w", err)
		}
		if err := subBucket.Put([]byte(id), out); err != nil {
			return err
		}

		if st.Status == models.SubTaskPending {
			indexKey := makeIndexKey(st.NotBefore, st.ID)
			if err := pendingBucket.Put(indexKey, []byte(st.ID)); err != nil {
				return fmt.Errorf("failed to add to pending index: %w", err)
			}
		}

		sub = &st
		return nil
	})

	return sub, err
}

// CancelOpenSubTasks marks all pending and allocated subtasks of a task
// cancelled. In-flight (sending) subtasks finish on their own; sent ones
// are never touched. Returns the number cancelled.
func (s *Store) CancelOpenSubTasks(taskID string) (int, error) {
	cancelled := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		subBucket := tx.Bucket(bucketSubTasks)
		pendingBucket := tx.Bucket(bucketPending)

		c := subBucket.Cursor()
		now := time.Now()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sub models.SubTask
			if err := json.Unmarshal(v, &sub); err != nil {
				continue
			}
			if sub.TaskID != taskID {
				continue
			}
			if sub.Status != models.SubTaskPending && sub.Status != models.SubTaskAllocated {
				continue
			}

			if sub.Status == models.SubTaskPending {
				if err := pendingBucket.Delete(makeIndexKey(sub.NotBefore, sub.ID)); err != nil {
					return err
				}
			}

			sub.Status = models.SubTaskCancelled
			sub.UpdatedAt = now

			out, err := json.Marshal(&sub)
			if err != nil {
				return err
			}
			if err := subBucket.Put(k, out); err != nil {
				return err
			}
			cancelled++
		}
		return nil
	})

	return cancelled, err
}

// TaskStats counts subtasks of a task per status. An empty taskID
// counts across all tasks (used for the queue gauges).
func (s *Store) TaskStats(taskID string) (models.TaskStats, error) {
	var stats models.TaskStats

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSubTasks).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sub models.SubTask
			if err := json.Unmarshal(v, &sub); err != nil {
				continue
			}
			if taskID != "" && sub.TaskID != taskID {
				continue
			}

			stats.Total++
			switch sub.Status {
			case models.SubTaskPending:
				stats.Pending++
			case models.SubTaskAllocated:
				stats.Allocated++
			case models.SubTaskSending:
				stats.Sending++
			case models.SubTaskSent:
				stats.Sent++
			case models.SubTaskDelivered:
				stats.Delivered++
			case models.SubTaskOpened:
				stats.Opened++
			case models.SubTaskClicked:
				stats.Clicked++
			case models.SubTaskBounced:
				stats.Bounced++
			case models.SubTaskFailed:
				stats.Failed++
			case models.SubTaskCancelled:
				stats.Cancelled++
			}
		}
		return nil
	})

	return stats, err
}

// ListSubTasks returns subtasks matching the filter
func (s *Store) ListSubTasks(filter models.SubTaskFilter) ([]*models.SubTask, error) {
	var subs []*models.SubTask

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSubTasks).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sub models.SubTask
			if err := json.Unmarshal(v, &sub); err != nil {
				continue
			}

			if filter.TaskID != "" && sub.TaskID != filter.TaskID {
				continue
			}
			if filter.Status != "" && sub.Status != filter.Status {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			subs = append(subs, &sub)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})

	return subs, err
}
