// Package deploylog is the append-only log stream of a deployment: it
// assigns strictly increasing, gap-free entry ids, persists entries,
// fans them out to live subscribers, and serves incremental reads by
// watermark.
package deploylog

import (
	"context"
	"sync"
	"time"

	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/event"
	"github.com/ouyangCL/remote-build/internal/logger"
)

const subscriberBuffer = 64

type Sink struct {
	repo domain.LogRepository
	bus  *event.Bus
	log  logger.Logger

	mu      sync.Mutex
	streams map[int64]*stream
}

type stream struct {
	nextID  int64
	entries []domain.LogEntry
	subs    map[int64]chan domain.LogEntry
	nextSub int64
}

func NewSink(repo domain.LogRepository, bus *event.Bus, log logger.Logger) *Sink {
	return &Sink{
		repo:    repo,
		bus:     bus,
		log:     log,
		streams: make(map[int64]*stream),
	}
}

// Append emits one entry on the deployment's stream and returns it with
// its assigned id. The id sequence starts at 1 and never skips: the id is
// assigned under the stream lock in emission order, and a persistence
// failure is logged but does not consume the id from the consumer's point
// of view since the entry stays in the in-memory stream.
func (s *Sink) Append(ctx context.Context, deploymentID int64, level domain.LogLevel, content string) domain.LogEntry {
	s.mu.Lock()
	st := s.stream(deploymentID)
	st.nextID++
	entry := domain.LogEntry{
		ID:           st.nextID,
		DeploymentID: deploymentID,
		Level:        level,
		Content:      content,
		Timestamp:    time.Now().UTC(),
	}
	st.entries = append(st.entries, entry)
	subs := make([]chan domain.LogEntry, 0, len(st.subs))
	for _, ch := range st.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	if err := s.repo.Append(ctx, &entry); err != nil {
		s.log.Warn("failed to persist deployment log entry",
			"deployment_id", deploymentID, "log_id", entry.ID, "error", err)
	}

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
			// A stalled subscriber drops pushes; it recovers the
			// missed range through Since.
		}
	}

	s.bus.Publish(domain.EventNameDeploymentLogAppended, domain.EventDeploymentLogAppended{
		DeploymentID: deploymentID,
		Entry:        entry,
	})

	return entry
}

// Watermark returns the highest id emitted so far for a deployment.
func (s *Sink) Watermark(deploymentID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[deploymentID]; ok {
		return st.nextID
	}
	return 0
}

// Since returns the entries with id > afterID in id order. Active
// deployments are served from memory; finished ones fall back to the
// repository.
func (s *Sink) Since(ctx context.Context, deploymentID, afterID int64, limit int) ([]domain.LogEntry, error) {
	s.mu.Lock()
	st, active := s.streams[deploymentID]
	var entries []domain.LogEntry
	if active {
		for _, e := range st.entries {
			if e.ID > afterID {
				entries = append(entries, e)
				if limit > 0 && len(entries) >= limit {
					break
				}
			}
		}
	}
	s.mu.Unlock()

	if active {
		return entries, nil
	}
	return s.repo.ListSince(ctx, deploymentID, afterID, limit)
}

// Subscribe returns a channel receiving every entry appended after the
// call, plus a cancel function. The channel is closed on cancel and when
// the deployment's stream is released.
func (s *Sink) Subscribe(deploymentID int64) (<-chan domain.LogEntry, func()) {
	s.mu.Lock()
	st := s.stream(deploymentID)
	st.nextSub++
	id := st.nextSub
	ch := make(chan domain.LogEntry, subscriberBuffer)
	st.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if st, ok := s.streams[deploymentID]; ok {
			if ch, ok := st.subs[id]; ok {
				delete(st.subs, id)
				close(ch)
			}
		}
	}
	return ch, cancel
}

// Release drops the in-memory stream once the deployment is terminal.
// Subscriber channels are closed; persisted entries remain readable
// through Since.
func (s *Sink) Release(deploymentID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[deploymentID]
	if !ok {
		return
	}
	for _, ch := range st.subs {
		close(ch)
	}
	delete(s.streams, deploymentID)
}

// caller holds s.mu
func (s *Sink) stream(deploymentID int64) *stream {
	st, ok := s.streams[deploymentID]
	if !ok {
		st = &stream{subs: make(map[int64]chan domain.LogEntry)}
		s.streams[deploymentID] = st
	}
	return st
}
