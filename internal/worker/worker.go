package worker

import "docchat/internal/models"

type JobType string

const (
	Init   JobType = "init"
	Stream JobType = "stream"
	Stop   JobType = "stop"
)

// Job is the unit of work handed from the dispatcher to a pooled worker.
// Exactly one of SessionTask/StreamTask is set, selected by Type.
type Job struct {
	Type        JobType
	SessionTask sessionTask
	StreamTask  streamTask
}

type workerReturn struct {
	session   *models.Session
	aiMessage *models.Message
	title     string
	err       error
}

type Worker struct {
	id         int
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, manager *Manager, id int) *Worker {
	return &Worker{
		id:         id,
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			switch job.Type {
			case Init:
				w.manager.handleInit(job.SessionTask)
			case Stream:
				w.manager.handleStream(job.StreamTask)
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			}
			w.pool.Release(w.jobChannel)
		}
	}()
}
