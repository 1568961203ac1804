// Package deploy drives a deployment from admission to a terminal
// status: the per-project queue serializes deployments of one project,
// and the orchestrator runs the selected flow across every target host.
package deploy

import "sync"

// Queue admits at most one active deployment per project; further
// requests for the same project wait in FIFO order. Unrelated projects
// never block each other. The per-project slot is the only shared mutable
// state between deployment workers, so admit and release both run under
// the one queue mutex.
type Queue struct {
	mu      sync.Mutex
	active  map[int64]int64   // projectID -> active deploymentID
	waiting map[int64][]int64 // projectID -> queued deploymentIDs, FIFO
}

func NewQueue() *Queue {
	return &Queue{
		active:  make(map[int64]int64),
		waiting: make(map[int64][]int64),
	}
}

// Admit tries to occupy the project's active slot for a deployment.
// It reports true when the deployment may start now; otherwise the
// deployment is appended to the project's FIFO and must wait.
func (q *Queue) Admit(projectID, deploymentID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, busy := q.active[projectID]; busy {
		q.waiting[projectID] = append(q.waiting[projectID], deploymentID)
		return false
	}
	q.active[projectID] = deploymentID
	return true
}

// Release frees the project's slot after a deployment reached a terminal
// status and hands it to the next waiting deployment, if any. The second
// return is false when the queue was empty.
func (q *Queue) Release(projectID, deploymentID int64) (next int64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active[projectID] != deploymentID {
		return 0, false
	}
	delete(q.active, projectID)

	fifo := q.waiting[projectID]
	if len(fifo) == 0 {
		delete(q.waiting, projectID)
		return 0, false
	}

	next = fifo[0]
	if len(fifo) == 1 {
		delete(q.waiting, projectID)
	} else {
		q.waiting[projectID] = fifo[1:]
	}
	q.active[projectID] = next
	return next, true
}

// Remove drops a still-queued deployment, for cancellation before
// admission. It reports whether the deployment was found waiting.
func (q *Queue) Remove(projectID, deploymentID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	fifo := q.waiting[projectID]
	for i, id := range fifo {
		if id == deploymentID {
			q.waiting[projectID] = append(fifo[:i:i], fifo[i+1:]...)
			if len(q.waiting[projectID]) == 0 {
				delete(q.waiting, projectID)
			}
			return true
		}
	}
	return false
}

// Active returns the project's currently active deployment id, if any.
func (q *Queue) Active(projectID int64) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.active[projectID]
	return id, ok
}
