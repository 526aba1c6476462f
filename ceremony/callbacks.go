package ceremony

import (
	"sync"

	"github.com/drand/summoner/common"
	"github.com/drand/summoner/crs"
)

// CallbackWorkerQueue is the number of commits buffered per callback.
const CallbackWorkerQueue = 100

// Commit describes a contribution that was appended to the ledger.
type Commit struct {
	Slot         uint64
	Contributor  common.Address
	Contribution *crs.Contribution
}

// CallbackFunc is called for every commit. closed is set, with a nil commit,
// when the callback gets replaced.
type CallbackFunc func(c *Commit, closed bool)

type cbJob struct {
	cb    CallbackFunc
	c     *Commit
	close bool
}

// callbacks runs each registered function on its own worker. A commit is
// dropped for a callback whose queue is full, it never waits on it.
type callbacks struct {
	sync.RWMutex
	stopping chan struct{}
	fns      map[string]CallbackFunc
	jobs     map[string]chan cbJob
	stopOnce sync.Once
}

func newCallbacks() *callbacks {
	return &callbacks{
		stopping: make(chan struct{}),
		fns:      make(map[string]CallbackFunc),
		jobs:     make(map[string]chan cbJob),
	}
}

// dispatch queues commit for every callback and returns the ids of those
// that missed it.
func (c *callbacks) dispatch(commit *Commit) (dropped []string) {
	c.RLock()
	defer c.RUnlock()
	select {
	case <-c.stopping:
		return nil
	default:
	}
	for id, cb := range c.fns {
		j, ok := c.jobs[id]
		if !ok {
			continue
		}
		select {
		case j <- cbJob{cb: cb, c: commit}:
		default:
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func (c *callbacks) add(id string, fn CallbackFunc) {
	c.Lock()
	defer c.Unlock()
	if jobs, exists := c.jobs[id]; exists {
		jobs <- cbJob{
			cb:    c.fns[id],
			close: true,
		}
		close(jobs)
		delete(c.jobs, id)
	}

	c.fns[id] = fn
	c.jobs[id] = make(chan cbJob, CallbackWorkerQueue)
	go c.runWorker(c.jobs[id])
}

func (c *callbacks) remove(id string) {
	c.Lock()
	defer c.Unlock()
	delete(c.fns, id)
	if jobs, exists := c.jobs[id]; exists {
		close(jobs)
		delete(c.jobs, id)
	}
}

func (c *callbacks) stop() {
	c.stopOnce.Do(func() {
		close(c.stopping)
	})
}

func (c *callbacks) runWorker(jobs chan cbJob) {
	for {
		select {
		case <-c.stopping:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			job.cb(job.c, job.close)
		}
	}
}
