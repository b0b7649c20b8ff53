package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jervisai/jervis/pkg/types"
)

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	if task.ID.IsZero() {
		task.ID = types.NewID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.State == "" {
		task.State = types.TaskStateReadyForQualification
	}
	return s.putTask(task)
}

func (s *BoltStore) putTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id types.ID) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.putTask(task)
}

func (s *BoltStore) DeleteTask(id types.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByState(state types.TaskState) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Task
	for _, task := range tasks {
		if task.State == state {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

// CASTaskState transitions a task from -> to in one atomic find-and-modify.
// Returns false when the task's state already moved, which callers treat
// as "someone else claimed it".
func (s *BoltStore) CASTaskState(id types.ID, from, to types.TaskState) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}

		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.State != from {
			return nil
		}
		task.State = to

		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(task.ID), updated); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func taskEligibleForQualification(task *types.Task, now time.Time) bool {
	if task.State != types.TaskStateReadyForQualification {
		return false
	}
	if task.NextQualificationRetryAt != nil && task.NextQualificationRetryAt.After(now) {
		return false
	}
	if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
		return false
	}
	return true
}

// ClaimNextQualification atomically claims the oldest eligible task for
// qualification, moving it to QUALIFYING. Returns nil when nothing is
// eligible.
func (s *BoltStore) ClaimNextQualification(now time.Time) (*types.Task, error) {
	var claimed *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)

		var candidates []*types.Task
		err := b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if taskEligibleForQualification(&task, now) {
				candidates = append(candidates, &task)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})

		task := candidates[0]
		task.State = types.TaskStateQualifying
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(task.ID), data); err != nil {
			return err
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimNextExecution atomically claims the next READY_FOR_GPU task:
// foreground tasks first, ordered by queuePosition with createdAt as the
// tie-break, then background tasks FIFO by createdAt. The claimed task
// moves to DISPATCHED_GPU. Returns nil when the queue is empty.
func (s *BoltStore) ClaimNextExecution() (*types.Task, error) {
	var claimed *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)

		var foreground, background []*types.Task
		err := b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.State != types.TaskStateReadyForGPU {
				return nil
			}
			if task.Mode == types.ModeForeground {
				foreground = append(foreground, &task)
			} else {
				background = append(background, &task)
			}
			return nil
		})
		if err != nil {
			return err
		}

		var task *types.Task
		switch {
		case len(foreground) > 0:
			sort.Slice(foreground, func(i, j int) bool {
				if foreground[i].QueuePosition != foreground[j].QueuePosition {
					return foreground[i].QueuePosition < foreground[j].QueuePosition
				}
				return foreground[i].CreatedAt.Before(foreground[j].CreatedAt)
			})
			task = foreground[0]
		case len(background) > 0:
			sort.Slice(background, func(i, j int) bool {
				return background[i].CreatedAt.Before(background[j].CreatedAt)
			})
			task = background[0]
		default:
			return nil
		}

		task.State = types.TaskStateDispatchedGPU
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(task.ID), data); err != nil {
			return err
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) CountTasksByState() (map[types.TaskState]int, error) {
	counts := make(map[types.TaskState]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			counts[task.State]++
			return nil
		})
	})
	return counts, err
}

// Task memory operations

func (s *BoltStore) SaveTaskMemory(mem *types.TaskMemory) error {
	if mem.ID.IsZero() {
		mem.ID = types.NewID()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskMemory)
		data, err := json.Marshal(mem)
		if err != nil {
			return err
		}
		return b.Put([]byte(mem.ID), data)
	})
}

func (s *BoltStore) ListTaskMemory(taskID types.ID) ([]*types.TaskMemory, error) {
	var memories []*types.TaskMemory
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskMemory)
		return b.ForEach(func(k, v []byte) error {
			var mem types.TaskMemory
			if err := json.Unmarshal(v, &mem); err != nil {
				return err
			}
			if !taskID.IsZero() && mem.TaskID != taskID {
				return nil
			}
			memories = append(memories, &mem)
			return nil
		})
	})
	return memories, err
}
