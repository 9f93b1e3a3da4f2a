package session

import "github.com/anatolykoptev/conduit/internal/assistant"

// eventQueue is an unbounded in-process queue of assistant events: a
// producer goroutine (the subprocess supervisor's scan loop) must never
// block on a slow consumer, so events are buffered internally rather than
// sent over a fixed-capacity channel.
type eventQueue struct {
	in  chan assistant.Event
	out chan assistant.Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		in:  make(chan assistant.Event),
		out: make(chan assistant.Event),
	}
	go q.pump()
	return q
}

func (q *eventQueue) pump() {
	var buf []assistant.Event
	in := q.in
	for {
		if len(buf) == 0 {
			ev, ok := <-in
			if !ok {
				close(q.out)
				return
			}
			buf = append(buf, ev)
			continue
		}

		select {
		case ev, ok := <-in:
			if !ok {
				for _, pending := range buf {
					q.out <- pending
				}
				close(q.out)
				return
			}
			buf = append(buf, ev)
		case q.out <- buf[0]:
			buf = buf[1:]
		}
	}
}

// push enqueues ev. Never blocks on the consumer.
func (q *eventQueue) push(ev assistant.Event) {
	q.in <- ev
}

// closeQueue signals no more events will be pushed; the out channel
// closes once any buffered events have drained.
func (q *eventQueue) closeQueue() {
	close(q.in)
}
