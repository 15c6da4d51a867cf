package dispatcher

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidPayload = errors.New("invalid payload")

const (
	TaskFailed = iota
	TaskDone
	TaskActive
	TaskPending
	TaskDropped
)

// Task carries a workload payload through the priority queue.
// Lower Priority values are executed first; within one priority class
// tasks are ordered by ascending Sequence.
type Task struct {
	Payload  interface{}
	Priority int
	Sequence int
	result   *Result
}

type Result struct {
	mu     sync.Mutex
	status int
	err    error
}

type Workload interface {
	Do(Task) error
}

func (r *Result) set(status int, err error) {
	r.mu.Lock()
	r.status = status
	r.err = err
	r.mu.Unlock()
}

func (r *Result) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Result) Error() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Result) Failed() bool {
	return r.Status() == TaskFailed
}

func (r *Result) Done() bool {
	return r.Status() == TaskDone
}

type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Sequence < h[j].Sequence
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(Task)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// Dispatcher runs a fixed number of workers over a priority-ordered
// task queue. Stop drops whatever is still queued; tasks already picked
// up by a worker run to completion.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskHeap
	stopped bool
	gwait   sync.WaitGroup
}

func Start(workers int, wl Workload) *Dispatcher {
	d := &Dispatcher{}
	d.cond = sync.NewCond(&d.mu)

	for i := 0; i < workers; i++ {
		d.gwait.Add(1)
		id := fmt.Sprintf("%T#%v", wl, i)
		go d.work(id, wl)
		logger.Infof("spawned dispatch worker %v", id)
	}
	return d
}

func (d *Dispatcher) work(id string, wl Workload) {
	defer d.gwait.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped {
			for len(d.queue) > 0 {
				t := heap.Pop(&d.queue).(Task)
				t.result.set(TaskDropped, nil)
				DispatcherTasksDropped.Inc()
			}
			d.mu.Unlock()
			logger.Infof("stopped dispatch worker %v", id)
			return
		}
		t := heap.Pop(&d.queue).(Task)
		DispatcherQueueLength.Dec()
		d.mu.Unlock()

		t.result.set(TaskActive, nil)
		ll := logger.With("wid", id, "priority", t.Priority, "seq", t.Sequence)
		ll.Debugw("worker got a task")
		DispatcherTasksActive.Inc()
		err := wl.Do(t)
		DispatcherTasksActive.Dec()
		if err != nil {
			t.result.set(TaskFailed, err)
			DispatcherTasksFailed.WithLabelValues(id).Inc()
			ll.Errorw("workload failed", "err", err)
		} else {
			t.result.set(TaskDone, nil)
			DispatcherTasksDone.WithLabelValues(id).Inc()
			ll.Debugw("worker done a task")
		}
	}
}

// Dispatch queues a payload at the supplied priority class and sequence.
func (d *Dispatcher) Dispatch(payload interface{}, priority, sequence int) *Result {
	r := &Result{status: TaskPending}
	t := Task{Payload: payload, Priority: priority, Sequence: sequence, result: r}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		r.set(TaskDropped, nil)
		DispatcherTasksDropped.Inc()
		return r
	}
	heap.Push(&d.queue, t)
	d.mu.Unlock()
	d.cond.Signal()

	DispatcherQueueLength.Inc()
	DispatcherTasksQueued.Inc()
	return r
}

// Stop shuts the workers down, dropping queued tasks. It blocks until
// every worker has exited.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	d.cond.Broadcast()
	d.gwait.Wait()
	logger.Info("all dispatch workers are stopped")
}
