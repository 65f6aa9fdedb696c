package pubsub

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObservers_NotifyInRegistrationOrder(t *testing.T) {
	obs := NewObservers[int]()

	var got []string
	obs.Register(func(v int) { got = append(got, "a") })
	obs.Register(func(v int) { got = append(got, "b") })
	obs.Register(func(v int) { got = append(got, "c") })

	obs.Notify(1)

	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestObservers_Unregister(t *testing.T) {
	obs := NewObservers[string]()

	var got []string
	first := obs.Register(func(v string) { got = append(got, "first:"+v) })
	obs.Register(func(v string) { got = append(got, "second:"+v) })

	require.NotEmpty(t, first)
	require.True(t, obs.Unregister(first))
	require.False(t, obs.Unregister(first), "second removal reports unknown handle")
	require.False(t, obs.Unregister(ObserverID("missing")))

	obs.Notify("x")

	require.Equal(t, []string{"second:x"}, got)
	require.Equal(t, 1, obs.Len())
}

func TestObservers_HandlesAreUnique(t *testing.T) {
	obs := NewObservers[int]()
	seen := make(map[ObserverID]bool)
	for range 50 {
		id := obs.Register(func(int) {})
		require.False(t, seen[id])
		seen[id] = true
	}
	require.Equal(t, 50, obs.Len())

	obs.Clear()
	require.Zero(t, obs.Len())
}

func TestObservers_PanicDoesNotStopDelivery(t *testing.T) {
	obs := NewObservers[int]()

	var panicked ObserverID
	var panicErr error
	obs.OnPanic = func(id ObserverID, err error) {
		panicked = id
		panicErr = err
	}

	var after []int
	bad := obs.Register(func(int) { panic("boom") })
	obs.Register(func(v int) { after = append(after, v) })

	require.NotPanics(t, func() { obs.Notify(7) })
	require.Equal(t, []int{7}, after)
	require.Equal(t, bad, panicked)
	require.Error(t, panicErr)
	require.Contains(t, panicErr.Error(), "boom")
}

func TestObservers_PanicWithoutHook(t *testing.T) {
	obs := NewObservers[int]()
	obs.Register(func(int) { panic(errors.New("no hook")) })

	require.NotPanics(t, func() { obs.Notify(1) })
}

func TestObservers_UnregisterDuringNotify(t *testing.T) {
	obs := NewObservers[int]()

	calls := 0
	var self ObserverID
	self = obs.Register(func(int) {
		calls++
		obs.Unregister(self)
	})

	obs.Notify(1)
	obs.Notify(2)

	require.Equal(t, 1, calls)
	require.Zero(t, obs.Len())
}
