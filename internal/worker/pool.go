package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/parascope/parascope/internal/procutil"
)

// ErrTimeout is the user-visible timeout failure. The worker that timed out
// is killed and replaced before it is used again.
var ErrTimeout = errors.New("Execution timed out")

// SpawnFunc builds the command for one worker process. The default re-execs
// the current binary with the worker subcommand.
type SpawnFunc func() *exec.Cmd

func defaultSpawn() *exec.Cmd {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return exec.Command(exe, "worker")
}

// Pool supervises a fixed set of worker processes. Dispatch is round-robin;
// each worker serializes its requests behind its own lock, so two calls
// landing on the same worker queue FIFO while calls on different workers
// run concurrently.
type Pool struct {
	mu      sync.Mutex
	workers []*poolWorker
	next    int
	closed  bool

	spawn   SpawnFunc
	timeout time.Duration
	log     zerolog.Logger
}

type poolWorker struct {
	mu      sync.Mutex
	idx     int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	replies chan *Reply
	alive   bool
}

// NewPool starts size workers. A worker that fails to spawn is left dead
// and retried on first use.
func NewPool(size int, spawn SpawnFunc, timeout time.Duration, log zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if spawn == nil {
		spawn = defaultSpawn
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &Pool{spawn: spawn, timeout: timeout, log: log}
	for i := 0; i < size; i++ {
		w := &poolWorker{idx: i}
		if err := p.spawnWorker(w); err != nil {
			log.Warn().Err(err).Int("worker", i).Msg("worker failed to spawn")
		}
		p.workers = append(p.workers, w)
	}
	return p
}

func (p *Pool) spawnWorker(w *poolWorker) error {
	cmd := p.spawn()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	w.cmd = cmd
	w.stdin = stdin
	w.replies = make(chan *Reply, 4)
	w.alive = true
	p.log.Debug().Int("worker", w.idx).Int("pid", cmd.Process.Pid).Msg("worker started")

	replies := w.replies
	go func() {
		defer close(replies)
		for {
			var reply Reply
			if err := ReadFrame(stdout, &reply); err != nil {
				return
			}
			replies <- &reply
		}
	}()
	go func() {
		// Reap so a dead worker never lingers as a zombie.
		_ = cmd.Wait()
	}()
	return nil
}

// ensureAlive respawns the worker if its process died. Caller holds w.mu.
func (p *Pool) ensureAlive(w *poolWorker) error {
	if w.alive && w.cmd != nil && procutil.Alive(w.cmd.Process.Pid) {
		return nil
	}
	if w.alive {
		p.log.Warn().Int("worker", w.idx).Msg("worker process died, respawning")
	}
	w.alive = false
	return p.spawnWorker(w)
}

// drainStale discards replies left over from a previous timed-out dispatch.
// Caller holds w.mu.
func (w *poolWorker) drainStale() {
	for {
		select {
		case <-w.replies:
		default:
			return
		}
	}
}

func (w *poolWorker) kill() {
	w.alive = false
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// Execute runs one request on the next worker. The pool timeout applies
// unless ctx carries an earlier deadline. On timeout the worker is killed
// and the call fails with ErrTimeout.
func (p *Pool) Execute(ctx context.Context, req *Request) (*Reply, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("pool is shut down")
	}
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return nil, errors.New("pool has no workers")
	}
	w := p.workers[p.next%len(p.workers)]
	p.next++
	p.mu.Unlock()

	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := p.ensureAlive(w); err != nil {
		return nil, err
	}
	w.drainStale()

	if err := WriteFrame(w.stdin, req); err != nil {
		w.kill()
		return nil, fmt.Errorf("dispatch to worker %d: %w", w.idx, err)
	}

	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.kill()
			p.log.Warn().Int("worker", w.idx).Str("request_id", req.ID).Msg("canceled, worker killed")
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-timer.C:
			w.kill()
			p.log.Warn().Int("worker", w.idx).Str("request_id", req.ID).Msg("timeout, worker killed")
			return nil, ErrTimeout
		case reply, ok := <-w.replies:
			if !ok {
				w.kill()
				return nil, fmt.Errorf("worker %d exited mid-request", w.idx)
			}
			if reply.ID != req.ID {
				continue
			}
			return reply, nil
		}
	}
}

// Shutdown asks every worker to exit and kills stragglers after the grace
// period.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := p.workers
	p.mu.Unlock()

	for _, w := range workers {
		w.mu.Lock()
		if w.alive && w.stdin != nil {
			_ = WriteShutdown(w.stdin)
			_ = w.stdin.Close()
		}
		w.mu.Unlock()
	}
	deadline := time.Now().Add(grace)
	for _, w := range workers {
		w.mu.Lock()
		for w.alive && w.cmd != nil && procutil.Alive(w.cmd.Process.Pid) {
			if time.Now().After(deadline) {
				w.kill()
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		w.alive = false
		w.mu.Unlock()
	}
	p.log.Debug().Int("workers", len(workers)).Msg("pool shut down")
}

// Size reports the worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
