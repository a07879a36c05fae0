package scheduler

import "github.com/corehv/corehv/core/manager"

const numPriorityLevels = 4

// clampPriority folds an arbitrary VCPU priority into the scheduler's
// fixed priority levels, highest first.
func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p >= numPriorityLevels {
		return numPriorityLevels - 1
	}
	return p
}

// runQueue is one CPU's ready list: a FIFO per priority level, dequeued
// highest-priority-first and round-robin within a level.
type runQueue struct {
	levels [numPriorityLevels][]*manager.VCPU
}

func (q *runQueue) enqueue(v *manager.VCPU) {
	l := clampPriority(v.Priority)
	q.levels[l] = append(q.levels[l], v)
}

func (q *runQueue) remove(id int) bool {
	for l := range q.levels {
		for i, v := range q.levels[l] {
			if v.ID == id {
				q.levels[l] = append(q.levels[l][:i], q.levels[l][i+1:]...)
				return true
			}
		}
	}
	return false
}

func (q *runQueue) dequeue() *manager.VCPU {
	for l := range q.levels {
		if len(q.levels[l]) > 0 {
			v := q.levels[l][0]
			q.levels[l] = q.levels[l][1:]
			return v
		}
	}
	return nil
}

func (q *runQueue) empty() bool {
	for l := range q.levels {
		if len(q.levels[l]) > 0 {
			return false
		}
	}
	return true
}
