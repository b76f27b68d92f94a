package worker

import (
	"container/list"
	"sync"
	"time"
)

// userQueue holds one user's pending jobs. queued marks whether the user
// currently occupies a slot in the round-robin list.
type userQueue struct {
	jobs   []Job
	queued bool
}

// Dispatcher fans jobs out to the worker pool with per-user fairness: users
// take turns in arrival order, one job per turn, so a user streaming many
// requests cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
	Manager  *Manager

	mu        sync.Mutex
	queues    map[int64]*userQueue
	rr        *list.List // user IDs in round-robin order
	positions map[int64]*list.Element
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager),
		JobQueue:  make(chan Job, queueSize),
		Manager:   manager,
		queues:    make(map[int64]*userQueue),
		rr:        list.New(),
		positions: make(map[int64]*list.Element),
	}
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchNext() {
			// nothing queued; block until new work arrives
			d.admit(<-d.JobQueue)
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.admit(job)
		default:
		}
	}
}

// CancelUser drops all pending jobs for a user. In-flight jobs finish.
func (d *Dispatcher) CancelUser(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.rr.Remove(elem)
		delete(d.positions, userID)
	}
}

func (d *Dispatcher) admit(job Job) {
	userID := job.userID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if !q.queued {
		q.queued = true
		d.positions[userID] = d.rr.PushBack(userID)
	}
}

// dispatchNext hands the front user's next job to a worker. Acquiring a
// worker happens outside the lock so a saturated pool stalls dispatch, not
// admission. Returns false when no user has pending work.
func (d *Dispatcher) dispatchNext() bool {
	d.mu.Lock()
	elem := d.rr.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.queued = false
		d.rr.Remove(elem)
		delete(d.positions, userID)
	} else {
		d.rr.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	workerID := d.pool.workerID(workerChan)
	debugLog("[dispatcher] assign job %s for user %d to worker-%d", job.Type, userID, workerID)
	workerChan <- job
	return true
}

func (job Job) userID() int64 {
	switch job.Type {
	case Init:
		return job.SessionTask.req.UserID
	case Stream:
		return job.StreamTask.req.UserID
	default:
		return 0
	}
}
