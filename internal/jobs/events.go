package jobs

import (
	"sync"
	"time"
)

// eventLog is the sequenced event buffer for a single job. Events are
// retained for the job's lifetime so subscribers can replay from any
// offset; the retention sweep bounds how long that lifetime is.
type eventLog struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
}

func newEventLog() *eventLog {
	l := &eventLog{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// publish appends one event, assigning the next sequence number. The
// terminal event closes the log; publishing after that is a no-op.
func (l *eventLog) publish(eventType EventType, message string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Event{}, false
	}

	event := Event{
		Seq:       int64(len(l.events)) + 1,
		Type:      eventType,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	l.events = append(l.events, event)
	if event.Terminal() {
		l.closed = true
	}
	l.cond.Broadcast()
	return event, true
}

// snapshot returns a copy of all buffered events.
func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// subscribe returns a channel that replays buffered events with sequence
// greater than afterSeq and then streams live ones, in order and without
// gaps. The channel is closed after the terminal event has been delivered.
// The returned cancel function stops delivery early; it is safe to call
// more than once.
func (l *eventLog) subscribe(afterSeq int64) (<-chan Event, func()) {
	ch := make(chan Event)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		})
	}

	go func() {
		defer close(ch)
		cursor := afterSeq
		for {
			l.mu.Lock()
			for cursor >= int64(len(l.events)) && !l.closed {
				select {
				case <-done:
					l.mu.Unlock()
					return
				default:
				}
				l.cond.Wait()
			}
			if cursor >= int64(len(l.events)) {
				// Closed with nothing left to deliver.
				l.mu.Unlock()
				return
			}
			batch := append([]Event(nil), l.events[cursor:]...)
			l.mu.Unlock()

			for _, event := range batch {
				select {
				case ch <- event:
					cursor = event.Seq
				case <-done:
					return
				}
				if event.Terminal() {
					return
				}
			}
		}
	}()

	return ch, cancel
}
