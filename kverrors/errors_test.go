package kverrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndIs(t *testing.T) {
	base := errors.New("boom")
	err := Wrap("buffer.GetPage", Io, base)

	require.True(t, Is(err, Io))
	require.False(t, Is(err, Corruption))
	require.ErrorIs(t, err, base)
}

func TestNotFoundHelper(t *testing.T) {
	err := New("run.Get", NotFound, "key absent")
	require.True(t, IsNotFound(err))
	require.False(t, IsNotFound(errors.New("unrelated")))
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap("op", Io, nil))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "invariant", Invariant.String())
	require.Equal(t, "other", Other.String())
}
