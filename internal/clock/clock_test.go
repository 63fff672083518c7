package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelci/pixelci/internal/clock"
)

func TestFakeClock_NowAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := clock.Fake(start)

	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestFakeClock_AfterFiresAtDeadline(t *testing.T) {
	c := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	ch := c.After(10 * time.Second)
	require.Equal(t, 1, c.PendingWaiters())

	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("did not fire at deadline")
	}
}

func TestFakeClock_AfterNonPositiveFiresImmediately(t *testing.T) {
	c := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	select {
	case <-c.After(0):
	default:
		t.Fatal("zero-duration After should fire immediately")
	}
}

func TestFakeClock_SleepWakesOnAdvance(t *testing.T) {
	c := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	done := make(chan struct{})
	go func() {
		c.Sleep(5 * time.Second)
		close(done)
	}()

	// Wait for the sleeper to register before advancing.
	require.Eventually(t, func() bool { return c.PendingWaiters() == 1 },
		time.Second, time.Millisecond)

	c.Advance(5 * time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleep did not wake")
	}
}

func TestReal_AfterDelivers(t *testing.T) {
	c := clock.Real()

	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("real clock After did not deliver")
	}
}
