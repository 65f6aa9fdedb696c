package pubsub

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ObserverID identifies a registered observer. The zero value is never issued.
type ObserverID string

type observer[T any] struct {
	id ObserverID
	fn func(T)
}

// Observers is an ordered, synchronous observer list. Notify calls every
// registered function in registration order on the caller's goroutine, so
// the caller's ordering carries through to observers.
//
// A panicking observer does not stop delivery to the rest; the recovered
// value is handed to the OnPanic hook if one is set.
type Observers[T any] struct {
	mu   sync.RWMutex
	list []observer[T]

	// OnPanic receives the observer id and the recovered panic as an error.
	// Set it before the first Notify.
	OnPanic func(id ObserverID, err error)
}

// NewObservers returns an empty observer list.
func NewObservers[T any]() *Observers[T] {
	return &Observers[T]{}
}

// Register appends fn and returns the handle used to remove it.
func (o *Observers[T]) Register(fn func(T)) ObserverID {
	id := ObserverID(uuid.NewString())
	o.mu.Lock()
	o.list = append(o.list, observer[T]{id: id, fn: fn})
	o.mu.Unlock()
	return id
}

// Unregister removes the observer with the given handle.
// Returns false if the handle is unknown or was already removed.
func (o *Observers[T]) Unregister(id ObserverID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, obs := range o.list {
		if obs.id == id {
			o.list = append(o.list[:i:i], o.list[i+1:]...)
			return true
		}
	}
	return false
}

// Notify delivers v to every observer registered at the time of the call.
// Observers may register or unregister from inside their callback; the
// change takes effect from the next Notify.
func (o *Observers[T]) Notify(v T) {
	o.mu.RLock()
	snapshot := make([]observer[T], len(o.list))
	copy(snapshot, o.list)
	o.mu.RUnlock()

	for _, obs := range snapshot {
		o.call(obs, v)
	}
}

// Len returns the number of registered observers.
func (o *Observers[T]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.list)
}

// Clear removes every observer.
func (o *Observers[T]) Clear() {
	o.mu.Lock()
	o.list = nil
	o.mu.Unlock()
}

func (o *Observers[T]) call(obs observer[T], v T) {
	defer func() {
		if r := recover(); r != nil && o.OnPanic != nil {
			o.OnPanic(obs.id, fmt.Errorf("observer panic: %v", r))
		}
	}()
	obs.fn(v)
}
