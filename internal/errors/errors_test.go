package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

var errIntegrity = errors.New("cache integrity")

type backendError struct {
	name string
}

func (b *backendError) Error() string {
	return "backend: " + b.name
}

func TestWith(t *testing.T) {
	require.NoError(t, With(nil, nil))
	require.Equal(t, errIntegrity, With(nil, errIntegrity))

	cause := &backendError{name: "cache_1,1"}
	require.Equal(t, cause, With(cause, nil))

	err := With(cause, errIntegrity)
	require.ErrorIs(t, err, errIntegrity)
	require.Equal(t, "backend: cache_1,1", err.Error())

	var be *backendError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "cache_1,1", be.name)
}

func TestWithWrappedTop(t *testing.T) {
	top := fmt.Errorf("load cache_2,1: %w", errIntegrity)
	err := With(fs.ErrNotExist, top)

	require.ErrorIs(t, err, errIntegrity)
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.NotErrorIs(t, err, fs.ErrPermission)
}

func TestWithKeepsCauseMessage(t *testing.T) {
	kind := fmt.Errorf("%w: cache_3,1 vanished", errIntegrity)
	err := With(&backendError{name: "cache_3,1"}, kind)
	require.EqualError(t, err, "backend: cache_3,1")
	require.ErrorIs(t, err, errIntegrity)

	wrapped := fmt.Errorf("decode expand/cache_3,1_0: %w", err)
	require.ErrorIs(t, wrapped, errIntegrity)
	var be *backendError
	require.ErrorAs(t, wrapped, &be)
}
