package util

import (
	"time"
)

// Event is an auto-reset signal. Notify wakes one pending or future Wait;
// repeated notifications before a Wait coalesce into one.
type Event struct {
	c chan struct{}
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}, 1),
	}
}

func (e *Event) Notify() {
	select {
	case e.c <- struct{}{}:
	default:
	}
}

// Wait blocks until notified or until timeout elapses, and reports whether a
// notification was consumed.
func (e *Event) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-e.c:
		return true
	case <-t.C:
		return false
	}
}

// HasBeenNotified reports whether a notification is pending without
// consuming it.
func (e *Event) HasBeenNotified() bool {
	return len(e.c) > 0
}
