package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPageIDAligns(t *testing.T) {
	id := NewPageID("run1.sst", 4500)
	require.Equal(t, uint64(4096), id.Offset)

	id2 := NewPageID("run1.sst", 4096)
	require.Equal(t, uint64(4096), id2.Offset)
}

func TestPageIDEquality(t *testing.T) {
	a := NewPageID("run1.sst", 100)
	b := NewPageID("run1.sst", 4095)
	require.Equal(t, a, b)

	c := NewPageID("run2.sst", 100)
	require.NotEqual(t, a, c)
}

func TestPageIDHashDeterministic(t *testing.T) {
	a := NewPageID("run1.sst", 8192)
	b := NewPageID("run1.sst", 8192)
	require.Equal(t, a.Hash(), b.Hash())

	c := NewPageID("run1.sst", 12288)
	require.NotEqual(t, a.Hash(), c.Hash())
}
