package loop

import "github.com/eapache/queue"

// Task is a deferred callback run by the loop on some tick.
type Task func()

// taskQueue is a FIFO of tasks.
type taskQueue struct {
	q *queue.Queue
}

func newTaskQueue() *taskQueue {
	return &taskQueue{q: queue.New()}
}

func (t *taskQueue) push(task Task) { t.q.Add(task) }

func (t *taskQueue) len() int { return t.q.Length() }

// pop removes the head. The caller must check len first.
func (t *taskQueue) pop() Task {
	return t.q.Remove().(Task)
}

// drain runs at most n tasks from the head. Tasks pushed while draining stay
// queued for the next drain.
func (t *taskQueue) drain(n int, run func(Task)) {
	for ; n > 0 && t.q.Length() > 0; n-- {
		run(t.pop())
	}
}
