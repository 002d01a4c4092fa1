package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// ActivityStore is the queue side of the activity log.
type ActivityStore interface {
	EnqueueActivity(ctx context.Context, act domain.Activity) error
}

// ActivitySender fans accepted mutations out to the activity log queue on a
// worker pool. Delivery is fire-and-forget: a dropped or failed entry never
// affects the already-applied mutation it describes.
type ActivitySender struct {
	store   ActivityStore
	logger  *log.Logger
	jobs    chan domain.Activity
	timeout time.Duration

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewActivitySender starts the worker pool. Pool size, buffer and enqueue
// timeout come from ACTIVITY_WORKERS, ACTIVITY_BUFFER and ACTIVITY_TIMEOUT.
func NewActivitySender(store ActivityStore, logger *log.Logger) *ActivitySender {
	if logger == nil {
		panic("Logger is not initialized")
	}
	workers := envInt("ACTIVITY_WORKERS", 4)
	buffer := envInt("ACTIVITY_BUFFER", 1024)

	s := &ActivitySender{
		store:   store,
		logger:  logger,
		jobs:    make(chan domain.Activity, buffer),
		timeout: envDur("ACTIVITY_TIMEOUT", 30*time.Second),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infof("activity sender started, workers: %d, buffer: %d, timeout: %v", workers, buffer, s.timeout)
	return s
}

// Record hands an activity entry to the pool. When the buffer is saturated
// the entry is dropped with a warning rather than stalling the mutation
// path.
func (s *ActivitySender) Record(act domain.Activity) {
	select {
	case s.jobs <- act:
	default:
		s.logger.Warnf("activity buffer saturated; entry dropped, board: %s, action: %s", act.BoardID, act.Action)
	}
}

// Close drains the pool. Record must not be called after Close.
func (s *ActivitySender) Close() {
	s.closeOnce.Do(func() {
		close(s.jobs)
	})
	s.wg.Wait()
}

func (s *ActivitySender) worker(id int) {
	defer s.wg.Done()
	for act := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.store.EnqueueActivity(ctx, act)
		cancel()
		if err != nil {
			s.logger.Errorf("activity enqueue failed, err: %v, board: %s, action: %s, worker: %d", err, act.BoardID, act.Action, id)
		}
	}
}
