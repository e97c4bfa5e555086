//go:generate mockgen -source cache.go -destination ../mocks/mock_store.go -package mocks Store

// Package cache is the content addressed store behind the three reduction
// stages. A value is addressed by its stage and by keys derived purely from
// the computation's inputs, so every entry is written at most once and
// never changes afterwards.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	ferrors "github.com/feynbound/feynbound/internal/errors"
)

var tracer = otel.Tracer("feynbound/internal/cache")

func startTrace(ctx context.Context, name string, key Key) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cache."+name, trace.WithAttributes(
		attribute.String("stage", string(key.Stage)),
		attribute.String("name", key.Name()),
	))
}

var (
	// ErrNotFound means the entry has not been computed yet.
	ErrNotFound = errors.New("cache entry not found")

	// ErrIntegrity is returned when an entry that must exist cannot be read
	// back, or when its envelope is not one this build understands.
	ErrIntegrity = errors.New("cache integrity violation")

	ErrInvalidKey = errors.New("invalid cache key")
)

// Stage partitions the cache namespace.
type Stage string

const (
	StageRead     Stage = "read"
	StageExpand   Stage = "expand"
	StageGenerate Stage = "generate"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageRead, StageExpand, StageGenerate}

func (s Stage) Valid() bool {
	switch s {
	case StageRead, StageExpand, StageGenerate:
		return true
	}
	return false
}

// Key addresses one entry. Secondary and Timestamp are optional; the
// generate stage always carries the run timestamp so separate pipeline
// runs never share matrices.
type Key struct {
	Stage     Stage
	Primary   string
	Secondary string
	Timestamp string
}

// Name is the file name form cache_<primary>[_<secondary>][_<timestamp>].
func (k Key) Name() string {
	var sb strings.Builder
	sb.WriteString("cache_")
	sb.WriteString(k.Primary)
	if k.Secondary != "" {
		sb.WriteByte('_')
		sb.WriteString(k.Secondary)
	}
	if k.Timestamp != "" {
		sb.WriteByte('_')
		sb.WriteString(k.Timestamp)
	}
	return sb.String()
}

func (k Key) String() string {
	return string(k.Stage) + "/" + k.Name()
}

func (k Key) validate() error {
	if !k.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidKey, k.Stage)
	}
	if k.Primary == "" {
		return fmt.Errorf("%w: empty primary key", ErrInvalidKey)
	}
	for _, part := range []string{k.Primary, k.Secondary, k.Timestamp} {
		if strings.ContainsAny(part, "_/\\") {
			return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidKey, part)
		}
	}
	return nil
}

// ParseName inverts Key.Name for the layout each stage uses: read entries
// carry head and term, expand entries a key and an eps order (the manifest
// only a key), and generate entries an unknown, a block and a timestamp.
func ParseName(stage Stage, name string) (Key, error) {
	rest, ok := strings.CutPrefix(name, "cache_")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	parts := strings.Split(rest, "_")
	k := Key{Stage: stage, Primary: parts[0]}
	switch {
	case stage == StageGenerate && len(parts) == 3:
		k.Secondary, k.Timestamp = parts[1], parts[2]
	case stage == StageRead && len(parts) == 2:
		k.Secondary = parts[1]
	case stage == StageExpand && len(parts) == 2:
		k.Secondary = parts[1]
	case stage == StageExpand && len(parts) == 1:
	default:
		return Key{}, fmt.Errorf("%w: %q is not a %s entry", ErrInvalidKey, name, stage)
	}
	return k, k.validate()
}

// Store is a persistent key to bytes map. Implementations must make Save
// atomic: a reader observes either no entry or the complete value.
type Store interface {
	Exists(ctx context.Context, key Key) (bool, error)
	// Load returns ErrNotFound for an absent key.
	Load(ctx context.Context, key Key) ([]byte, error)
	Save(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, key Key) error
	// Walk calls fn for every entry of stage with the stored size in bytes.
	Walk(ctx context.Context, stage Stage, fn func(key Key, size int64) error) error
	Close() error
}

const envelopeVersion = 1

type envelope struct {
	Version int `json:"version"`
	Value   any `json:"value"`
}

// Encode wraps v in the versioned JSON envelope persisted by every backend.
func Encode(v any) ([]byte, error) {
	return json.Marshal(envelope{Version: envelopeVersion, Value: v})
}

// Decode unwraps an envelope into v.
func Decode(data []byte, v any) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: malformed envelope", ErrIntegrity)
	}
	if version := gjson.GetBytes(data, "version"); version.Int() != envelopeVersion {
		return fmt.Errorf("%w: envelope version %s", ErrIntegrity, version.Raw)
	}
	value := gjson.GetBytes(data, "value")
	if !value.Exists() {
		return fmt.Errorf("%w: envelope has no value", ErrIntegrity)
	}
	if err := json.Unmarshal([]byte(value.Raw), v); err != nil {
		return ferrors.With(err, ErrIntegrity)
	}
	return nil
}

// Put encodes v and saves it under key.
func Put(ctx context.Context, store Store, key Key, v any) error {
	data, err := Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Save(ctx, key, data)
}

// Get loads key into v. ErrNotFound is returned untouched so callers can
// tell "not computed" from a damaged entry.
func Get(ctx context.Context, store Store, key Key, v any) error {
	data, err := store.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := Decode(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// MustGet is Get for an entry the caller knows was written, such as the
// entry of a job that was just reaped. Absence is an integrity violation.
func MustGet(ctx context.Context, store Store, key Key, v any) error {
	err := Get(ctx, store, key, v)
	if errors.Is(err, ErrNotFound) {
		return ferrors.With(err, fmt.Errorf("%w: %s vanished after it was reported present", ErrIntegrity, key))
	}
	return err
}
