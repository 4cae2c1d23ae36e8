package ports

import "time"

// Scheduler serializes callbacks onto a single event thread.
//
// Every session operation runs on the scheduler; goroutines that produce
// events (transport readers, timers, the stdin reader) hand their work over
// with Post instead of touching session state directly.
type Scheduler interface {
	// Post queues fn to run on the event thread.
	Post(fn func())

	// AfterFunc runs fn on the event thread once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer

	// Frame runs fn on the event thread after the next render frame.
	Frame(fn func())
}
