package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"planbot/internal/eventbus"
	"planbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queued) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queued) {
	if qj.track {
		defer qj.state.release()
	}
	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)
	j := qj.job

	if limit := s.cfg.MaxQueueDelay; limit > 0 && queueDelay > limit {
		s.onDropped(start, j, queueDelay, "stale_queue_delay")
		s.record(HistoryItem{ID: j.ID, Name: j.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("job.started", logx.String("job", j.Name), logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: EventStarted, Time: start, Data: JobEvent{ID: j.ID, Name: j.Name, Started: start, QueueDelay: queueDelay}})

	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	err := func() (err error) {
		// A panicking job must not kill the worker.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job.panic", logx.String("job", j.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return j.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: j.ID, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := JobEvent{ID: j.ID, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job.failed", logx.String("job", j.Name), logx.Err(err), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: EventFailed, Time: time.Now(), Data: ev})
	} else {
		s.log.Debug("job.completed", logx.String("job", j.Name), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: EventFinished, Time: time.Now(), Data: ev})
	}
	s.record(item)
}
