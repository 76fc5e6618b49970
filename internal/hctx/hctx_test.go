package hctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHctx_WithStateAndFrom(t *testing.T) {
	ctx := context.Background()
	st, ok := From(ctx)
	require.False(t, ok)
	require.Nil(t, st)

	s := New()
	ctx = WithState(ctx, s)
	got, ok := From(ctx)
	require.True(t, ok)
	require.Same(t, s, got)
}

func TestHctx_DocumentCounts(t *testing.T) {
	s := New()
	var calls [][2]int
	s.OnDocument = func(succ, fail int) { calls = append(calls, [2]int{succ, fail}) }

	s.Document(true)
	s.Document(false)
	s.Document(true)

	succ, fail := s.Counts()
	require.Equal(t, 2, succ)
	require.Equal(t, 1, fail)
	require.Equal(t, [][2]int{{1, 0}, {1, 1}, {2, 1}}, calls)
}

func TestHctx_Timings(t *testing.T) {
	s := New()
	require.Nil(t, s.Timings())
	s.Timing("parse", 0.5)
	s.Timing("parse", 0.7)
	tm := s.Timings()
	require.Equal(t, map[string]float64{"parse": 0.7}, tm)
	tm["parse"] = 9
	require.Equal(t, 0.7, s.Timings()["parse"])
}
