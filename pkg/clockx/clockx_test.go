package clockx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRealClockAdvances(t *testing.T) {
	c := Real()
	a := c.Now()
	b := c.Now()
	require.False(t, b.Before(a))
}

func TestFakeClockFrozenUntilAdvanced(t *testing.T) {
	start := time.Date(2025, 3, 15, 14, 0, 0, 0, time.UTC)
	f := NewFake(start)
	require.Equal(t, start, f.Now())
	require.Equal(t, start, f.Now())

	f.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second), f.Now())

	f.Set(start)
	require.Equal(t, start, f.Now())
}
