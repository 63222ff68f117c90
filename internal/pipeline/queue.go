package pipeline

import (
	"context"
	"fmt"
)

// Enqueue hands a frame to the consumer started with Run, blocking while the
// queue is full. A nil return means the frame will be processed, even when
// Shutdown races with the send.
func (o *Orchestrator) Enqueue(ctx context.Context, f Frame) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	o.enqueuers.Add(1)
	o.mu.Unlock()
	defer o.enqueuers.Done()

	select {
	case o.queue <- f:
		o.hooks.queueDepth(len(o.queue))
		return nil
	case <-o.closing:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of frames waiting.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// Run consumes queued frames until ctx is done or Shutdown is called. After
// Shutdown, frames already queued are still processed before Run returns.
// Several Run loops may share one orchestrator.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.enter() {
		return ErrShuttingDown
	}
	defer o.wg.Done()

	for {
		select {
		case f := <-o.queue:
			o.consume(ctx, f)
		case <-o.closing:
			// no sends can start now; wait out the ones in flight
			o.enqueuers.Wait()
			o.drain(ctx)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) drain(ctx context.Context) {
	for {
		select {
		case f := <-o.queue:
			o.consume(ctx, f)
		default:
			return
		}
	}
}

// consume processes one queued frame. Failures and panics are logged so the
// loop keeps going.
func (o *Orchestrator) consume(ctx context.Context, f Frame) {
	defer func() {
		if p := recover(); p != nil {
			o.hooks.frame(FrameError)
			o.logger.Error(ctx, fmt.Errorf("panic: %v", p), "frame processing panicked",
				"source_id", f.SourceID, "frame_index", f.FrameIndex)
		}
	}()
	o.hooks.queueDepth(len(o.queue))

	if _, err := o.handle(ctx, f); err != nil {
		o.logger.Error(ctx, err, "frame processing failed",
			"source_id", f.SourceID, "frame_index", f.FrameIndex)
	}
}
