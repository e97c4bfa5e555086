// Package scheduler runs independently failable units of work under a
// fixed concurrency bound and hands each finished unit back to the caller
// for folding.
//
// A unit of work communicates only through the cache: it writes exactly one
// entry and terminates. The orchestrator learns about results by reaping
// finished units in Yield or Drain and reading the entry back, so a unit
// that crashes simply leaves its entry missing.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrPoolFull       = errors.New("worker pool is at capacity")
	ErrUnknownJobKind = errors.New("unknown job kind")
)

// Job is one unit of work.
type Job interface {
	// Kind names the decoder that rebuilds the job inside a worker process.
	Kind() string
	// Key identifies the task; it is unique among in-flight jobs of a stage.
	Key() string
	// Run computes the result and writes it to the cache.
	Run(ctx context.Context) error
	// Payload is a self-contained encoding of the job.
	Payload() ([]byte, error)
}

// Decoder rebuilds a job from its payload.
type Decoder func(payload []byte) (Job, error)

// Registry maps job kinds to decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: map[string]Decoder{}}
}

func (r *Registry) Register(kind string, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[kind] = dec
}

func (r *Registry) Decode(kind string, payload []byte) (Job, error) {
	r.mu.RLock()
	dec, ok := r.decoders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobKind, kind)
	}
	return dec(payload)
}

// request is what the orchestrator writes to a worker process's stdin.
type request struct {
	Kind    string          `json:"kind"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

func encodeRequest(job Job) ([]byte, error) {
	payload, err := job.Payload()
	if err != nil {
		return nil, fmt.Errorf("encode %s job %s: %w", job.Kind(), job.Key(), err)
	}
	return json.Marshal(request{Kind: job.Kind(), Key: job.Key(), Payload: payload})
}

// Serve is the worker process side of ProcessRunner: it reads one job
// from r, decodes it with reg and runs it.
func Serve(ctx context.Context, r io.Reader, reg *Registry) error {
	var req request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("read job request: %w", err)
	}
	job, err := reg.Decode(req.Kind, req.Payload)
	if err != nil {
		return err
	}
	if job.Key() != req.Key {
		return fmt.Errorf("decoded %s job has key %q, request said %q", req.Kind, job.Key(), req.Key)
	}
	return job.Run(ctx)
}
