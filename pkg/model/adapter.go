package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fablehost/fable/pkg/tokens"
)

// Adapter funnels all generation through a bounded FIFO worker queue so
// request handlers never run inference inline. The queue depth and worker
// count come from config; local llama.cpp runs with a single worker.
type Adapter struct {
	counter *tokens.Counter
	backend Backend

	jobs     chan *job
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

type job struct {
	ctx    context.Context
	prompt string
	opts   Options
	result chan jobResult
}

type jobResult struct {
	text string
	err  error
}

// NewAdapter creates an Adapter and starts its workers. The counter must
// be built from the same model name the backend serves.
func NewAdapter(counter *tokens.Counter, backend Backend, workers, queueSize int) (*Adapter, error) {
	if counter == nil {
		return nil, fmt.Errorf("token counter is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if workers < 1 || queueSize < 1 {
		return nil, fmt.Errorf("workers and queue size must be at least 1")
	}

	a := &Adapter{
		counter: counter,
		backend: backend,
		jobs:    make(chan *job, queueSize),
		done:    make(chan struct{}),
	}

	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	return a, nil
}

// Generate runs one completion through the queue. A full queue returns
// ErrUnavailable immediately; a cancelled context drops the job before it
// starts; a deadline overrun maps to ErrTimeout.
func (a *Adapter) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	j := &job{ctx: ctx, prompt: prompt, opts: opts, result: make(chan jobResult, 1)}

	select {
	case a.jobs <- j:
	case <-a.done:
		return "", ErrUnavailable
	default:
		slog.Warn("model queue full, rejecting call")
		return "", fmt.Errorf("queue full: %w", ErrUnavailable)
	}

	select {
	case res := <-j.result:
		return res.text, res.err
	case <-ctx.Done():
		// The worker sees the cancelled context and skips the job.
		return "", mapContextErr(ctx.Err())
	case <-a.done:
		// Shutdown may race with a worker delivering the result.
		select {
		case res := <-j.result:
			return res.text, res.err
		default:
		}
		return "", ErrUnavailable
	}
}

// Count returns the token count for text under the adapter's tokenizer.
func (a *Adapter) Count(text string) int {
	return a.counter.Count(text)
}

// Counter exposes the shared token counter.
func (a *Adapter) Counter() *tokens.Counter {
	return a.counter
}

// Close stops the workers. Queued jobs are abandoned. The jobs channel is
// never closed; a concurrent Generate may still be selecting on the send.
func (a *Adapter) Close() {
	a.stopOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
}

func (a *Adapter) worker() {
	defer a.wg.Done()

	for {
		var j *job
		select {
		case <-a.done:
			return
		case j = <-a.jobs:
		}

		if err := j.ctx.Err(); err != nil {
			j.result <- jobResult{err: mapContextErr(err)}
			continue
		}

		text, err := a.backend.Complete(j.ctx, j.prompt, j.opts)
		if err != nil && j.ctx.Err() == nil {
			// One retry covers transient backend hiccups.
			slog.Warn("backend call failed, retrying once", "error", err)
			text, err = a.backend.Complete(j.ctx, j.prompt, j.opts)
		}

		if err != nil {
			if ctxErr := j.ctx.Err(); ctxErr != nil {
				err = mapContextErr(ctxErr)
			} else {
				err = fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}

		j.result <- jobResult{text: text, err: err}
	}
}

func mapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
