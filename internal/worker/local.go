package worker

import (
	"context"
	"errors"
)

// Executor abstracts where a program runs: the pool dispatches to worker
// processes, LocalExecutor runs in-process.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Reply, error)
}

// LocalExecutor executes requests in the calling process. It shares the
// exact execution path with worker processes, minus the isolation, and is
// what tests and the single-shot CLI paths use.
type LocalExecutor struct{}

func (LocalExecutor) Execute(ctx context.Context, req *Request) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type done struct{ reply *Reply }
	ch := make(chan done, 1)
	go func() {
		ch <- done{executeScript(req)}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case d := <-ch:
		return d.reply, nil
	}
}
