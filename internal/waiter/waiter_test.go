package waiter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWakeBeforeEnableWakeUpsIsSetOnly(t *testing.T) {
	var w Waiter
	w.Reset()
	require.True(t, w.Parked())

	// A waker races in before the parking fiber's worker has run
	// EnableWakeUps: the wake is recorded but nobody is yet responsible
	// for requeuing.
	res := Wake(&w, Ready)
	require.Equal(t, SetOnly, res)

	var requeued bool
	w.EnableWakeUps(func(reason Reason) {
		requeued = true
		require.Equal(t, Ready, reason)
	})
	require.True(t, requeued)
	require.False(t, w.Parked())
	require.Equal(t, Ready, w.WakeReason())
}

func TestEnableWakeUpsBeforeWakeIsSetAndWakeUp(t *testing.T) {
	var w Waiter
	w.Reset()

	var requeued bool
	w.EnableWakeUps(func(Reason) { requeued = true })
	require.False(t, requeued, "no wake has happened yet")
	require.True(t, w.Parked(), "waitForWake is still 1")

	res := Wake(&w, Ready)
	require.Equal(t, SetAndWakeUp, res)
	require.False(t, w.Parked())
	require.Equal(t, Ready, w.WakeReason())
}

func TestDoubleWakeSecondFails(t *testing.T) {
	var w Waiter
	w.Reset()

	require.Equal(t, SetOnly, Wake(&w, Ready))
	require.Equal(t, Failed, Wake(&w, TimedOutNoCheck))
}

func TestResetReusesWaiter(t *testing.T) {
	var w Waiter
	w.Reset()
	w.EnableWakeUps(func(Reason) {})
	Wake(&w, Ready)
	require.Equal(t, Ready, w.WakeReason())

	w.Reset()
	require.True(t, w.Parked())
	require.Equal(t, None, w.WakeReason())
}
