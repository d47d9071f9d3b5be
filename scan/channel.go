package scan

import "sync"

// Channel is the per-job event stream. The full event history doubles as the
// replay buffer: every subscriber, however late, receives the complete
// history in publish order exactly once, followed by live events, followed by
// stream end once a terminal event has been delivered.
//
// Publish never blocks. Each subscription drains the shared history through
// its own cursor in a dedicated pump goroutine, so a slow subscriber delays
// nobody but itself.
type Channel struct {
	mu      sync.Mutex
	history []Event
	closed  bool
	subs    map[*Subscription]struct{}
}

func newChannel() *Channel {
	return &Channel{subs: make(map[*Subscription]struct{})}
}

// Publish appends an event to the history, assigning its sequence number,
// and wakes every subscription pump. Publishing after Close panics: the
// registry closes a channel only when its job settles, and settled jobs
// emit nothing.
func (c *Channel) Publish(e Event) Event {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		panic("scan: publish on closed channel")
	}
	e.Seq = len(c.history)
	c.history = append(c.history, e)
	c.wakeAllLocked()
	c.mu.Unlock()
	return e
}

// Close marks the stream finished. Subscription pumps drain whatever history
// remains, then close their outbound channels.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.wakeAllLocked()
	c.mu.Unlock()
}

// History returns a snapshot copy of all events published so far.
func (c *Channel) History() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.history))
	copy(out, c.history)
	return out
}

// Subscribe attaches a new consumer. The returned subscription replays the
// entire history before delivering live events.
func (c *Channel) Subscribe() *Subscription {
	s := &Subscription{
		ch:     c,
		out:    make(chan Event, subscriptionBuffer),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	go s.pump()
	return s
}

func (c *Channel) wakeAllLocked() {
	for s := range c.subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (c *Channel) detach(s *Subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

// subscriptionBuffer smooths bursts on the outbound channel; correctness
// does not depend on it since the pump waits for the consumer.
const subscriptionBuffer = 16

// Subscription is one consumer's view of a job's event stream. Events() is
// closed after the last event once the channel itself is closed, or after
// the consumer calls Close.
type Subscription struct {
	ch        *Channel
	out       chan Event
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the ordered event stream for this subscription.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close detaches the subscription. Safe to call more than once and safe to
// call while events remain undelivered; the pump exits and Events() closes.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// pump drains the channel history into the outbound channel, one cursor per
// subscription. It blocks on the consumer, never on the publisher.
func (s *Subscription) pump() {
	defer func() {
		s.ch.detach(s)
		close(s.out)
	}()

	cursor := 0
	for {
		s.ch.mu.Lock()
		pending := make([]Event, len(s.ch.history)-cursor)
		copy(pending, s.ch.history[cursor:])
		closed := s.ch.closed
		s.ch.mu.Unlock()

		for _, e := range pending {
			select {
			case s.out <- e:
				cursor++
			case <-s.done:
				return
			}
		}
		// The snapshot and the closed flag were read under one lock, and
		// nothing publishes after Close, so a closed snapshot is complete.
		if closed {
			return
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
