package dispatcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type DispatcherSuite struct {
	suite.Suite
}

type orderedWorker struct {
	sync.Mutex
	release chan struct{}
	seen    []int
}

func (w *orderedWorker) Do(t Task) error {
	if w.release != nil {
		<-w.release
		w.release = nil
	}
	w.Lock()
	w.seen = append(w.seen, t.Payload.(int))
	w.Unlock()
	return nil
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) TestPriorityOrdering() {
	defer goleak.VerifyNone(s.T())

	worker := &orderedWorker{release: make(chan struct{})}
	d := Start(1, worker)

	// The single worker blocks on the first task while the rest queue
	// up, so everything after it drains in strict priority order.
	results := []*Result{d.Dispatch(0, 1, 0)}
	time.Sleep(50 * time.Millisecond)

	results = append(results,
		d.Dispatch(31, 3, 1),
		d.Dispatch(30, 3, 0),
		d.Dispatch(20, 2, 0),
		d.Dispatch(11, 1, 11),
		d.Dispatch(10, 1, 2),
	)
	close(worker.release)

	time.Sleep(300 * time.Millisecond)

	worker.Lock()
	s.Equal([]int{0, 10, 11, 20, 30, 31}, worker.seen)
	worker.Unlock()
	for _, r := range results {
		s.Require().True(r.Done())
	}

	d.Stop()
}

func (s *DispatcherSuite) TestStopDropsQueued() {
	defer goleak.VerifyNone(s.T())

	worker := &orderedWorker{release: make(chan struct{})}
	d := Start(1, worker)

	running := d.Dispatch(0, 1, 0)
	time.Sleep(50 * time.Millisecond)
	queued := d.Dispatch(1, 1, 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(worker.release)
	}()
	d.Stop()

	s.True(running.Done())
	s.Equal(TaskDropped, queued.Status())

	late := d.Dispatch(2, 1, 2)
	s.Equal(TaskDropped, late.Status())
}

func (s *DispatcherSuite) TestManyTasks() {
	defer goleak.VerifyNone(s.T())

	worker := &orderedWorker{}
	d := Start(5, worker)

	results := []*Result{}
	for i := 0; i < 200; i++ {
		results = append(results, d.Dispatch(i, 1+i%3, i))
	}

	deadline := time.After(5 * time.Second)
	for {
		worker.Lock()
		n := len(worker.seen)
		worker.Unlock()
		if n == 200 {
			break
		}
		select {
		case <-deadline:
			s.FailNow("tasks did not drain in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	for _, r := range results {
		s.Require().True(r.Done())
	}
	d.Stop()
}
