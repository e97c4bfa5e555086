package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/feynbound/feynbound/pkg/logger"
)

// Handle identifies one started unit of work.
type Handle uint64

// Completion reports that the unit started under Handle terminated. Err is
// informational: the result, if any, is in the cache.
type Completion struct {
	Handle Handle
	Err    error
}

// Runner starts jobs. Start must not block on the job itself and must send
// exactly one Completion for every successful Start.
type Runner interface {
	Start(ctx context.Context, h Handle, job Job, done chan<- Completion) error
}

// GoroutineRunner runs jobs in-process. A panic inside a job is recovered
// and reported as a failed completion, so it costs the job's entry and
// nothing else.
type GoroutineRunner struct {
	// Timeout bounds the context handed to each job. Jobs that ignore
	// their context cannot be stopped.
	Timeout time.Duration
}

var _ Runner = (*GoroutineRunner)(nil)

func (r *GoroutineRunner) Start(ctx context.Context, h Handle, job Job, done chan<- Completion) error {
	go func() {
		jobCtx, cancel := withTimeout(ctx, r.Timeout)
		defer cancel()

		var runErr error
		recovered := panics.Try(func() {
			runErr = job.Run(jobCtx)
		})
		if err := recovered.AsError(); err != nil {
			runErr = fmt.Errorf("%s job %s panicked: %w", job.Kind(), job.Key(), err)
		}
		done <- Completion{Handle: h, Err: runErr}
	}()
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ProcessRunner runs every job in a child process: the configured
// executable is started with Args and the encoded job on stdin. A crash or
// a timeout kills only the child.
type ProcessRunner struct {
	Executable string
	Args       []string
	Env        []string
	Timeout    time.Duration
	Stderr     io.Writer
	Logger     logger.Logger

	// StartBackoff builds the retry policy for process start failures such
	// as EAGAIN under heavy load.
	StartBackoff func() backoff.BackOff
}

var _ Runner = (*ProcessRunner)(nil)

// NewProcessRunner re-executes the running binary with args.
func NewProcessRunner(timeout time.Duration, log logger.Logger, args ...string) (*ProcessRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ProcessRunner{
		Executable: exe,
		Args:       args,
		Timeout:    timeout,
		Logger:     log,
	}, nil
}

func defaultStartBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

func (r *ProcessRunner) Start(ctx context.Context, h Handle, job Job, done chan<- Completion) error {
	input, err := encodeRequest(job)
	if err != nil {
		return err
	}

	log := r.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}
	newBackoff := r.StartBackoff
	if newBackoff == nil {
		newBackoff = defaultStartBackoff
	}

	var (
		cmd    *exec.Cmd
		cancel context.CancelFunc
	)
	start := func() error {
		var cmdCtx context.Context
		cmdCtx, cancel = withTimeout(ctx, r.Timeout)
		cmd = exec.CommandContext(cmdCtx, r.Executable, r.Args...)
		cmd.Stdin = bytes.NewReader(input)
		cmd.Stdout = io.Discard
		cmd.Stderr = r.Stderr
		if cmd.Stderr == nil {
			cmd.Stderr = os.Stderr
		}
		if len(r.Env) > 0 {
			cmd.Env = append(os.Environ(), r.Env...)
		}
		if err := cmd.Start(); err != nil {
			cancel()
			log.Warn("worker process failed to start, retrying",
				zap.String("kind", job.Kind()),
				zap.String("key", job.Key()),
				zap.Error(err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(start, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return fmt.Errorf("start worker for %s job %s: %w", job.Kind(), job.Key(), err)
	}

	go func() {
		defer cancel()
		err := cmd.Wait()
		if err != nil {
			err = fmt.Errorf("worker for %s job %s (pid %d): %w", job.Kind(), job.Key(), cmd.Process.Pid, err)
		}
		done <- Completion{Handle: h, Err: err}
	}()
	return nil
}
