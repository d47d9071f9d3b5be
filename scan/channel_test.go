package scan

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains a subscription until its stream ends or the timeout hits.
func collect(t *testing.T, sub *Subscription, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-deadline:
			t.Fatalf("timed out after %d events", len(events))
		}
	}
}

func TestChannelDeliversInOrder(t *testing.T) {
	c := newChannel()
	sub := c.Subscribe()

	for i := 0; i < 50; i++ {
		c.Publish(progressEvent(fmt.Sprintf("step %d", i)))
	}
	c.Close()

	events := collect(t, sub, 5*time.Second)
	require.Len(t, events, 50)
	for i, e := range events {
		assert.Equal(t, i, e.Seq)
		assert.Equal(t, fmt.Sprintf("step %d", i), e.Message)
	}
}

func TestChannelSubscribeDuringPublication(t *testing.T) {
	c := newChannel()

	const events = 500
	const subscribers = 20

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < events; i++ {
			c.Publish(progressEvent(fmt.Sprintf("step %d", i)))
		}
		c.Close()
	}()

	// Attach subscribers staggered across the publication window so most
	// arrive while events are still being published.
	var wg sync.WaitGroup
	streams := make([][]Event, subscribers)
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * time.Millisecond)
			sub := c.Subscribe()
			streams[i] = collect(t, sub, 10*time.Second)
		}(i)
	}
	wg.Wait()
	<-done

	// Every subscriber gets the complete stream in order, no matter when
	// it attached.
	for i, stream := range streams {
		require.Len(t, stream, events, "subscriber %d", i)
		for seq, e := range stream {
			require.Equal(t, seq, e.Seq, "subscriber %d", i)
		}
	}
}

func TestChannelFanOutIdenticalStreams(t *testing.T) {
	c := newChannel()

	const subscribers = 5
	subs := make([]*Subscription, subscribers)
	for i := range subs {
		subs[i] = c.Subscribe()
	}

	go func() {
		for i := 0; i < 100; i++ {
			c.Publish(progressEvent(fmt.Sprintf("step %d", i)))
		}
		c.Publish(completionEvent("done", nil))
		c.Close()
	}()

	var wg sync.WaitGroup
	streams := make([][]Event, subscribers)
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			streams[i] = collect(t, sub, 5*time.Second)
		}(i, sub)
	}
	wg.Wait()

	for i, stream := range streams {
		require.Len(t, stream, 101, "subscriber %d", i)
		for seq, e := range stream {
			require.Equal(t, seq, e.Seq, "subscriber %d", i)
		}
		assert.Equal(t, EventCompletion, stream[100].Type)
	}
}

func TestChannelLateSubscriberReplays(t *testing.T) {
	c := newChannel()
	c.Publish(progressEvent("early"))
	c.Publish(vulnerabilityEvent(Finding{ReportID: "V-1", Title: "XSS"}))
	c.Publish(completionEvent("done", nil))
	c.Close()

	sub := c.Subscribe()
	events := collect(t, sub, 5*time.Second)

	require.Len(t, events, 3)
	assert.Equal(t, "early", events[0].Message)
	assert.Equal(t, "V-1", events[1].Finding.ReportID)
	assert.Equal(t, EventCompletion, events[2].Type)
}

func TestChannelSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	c := newChannel()

	// Never drained; its pump will fill the buffer and stall.
	stalled := c.Subscribe()
	defer stalled.Close()

	live := c.Subscribe()

	published := make(chan struct{})
	go func() {
		for i := 0; i < subscriptionBuffer*10; i++ {
			c.Publish(progressEvent("flood"))
		}
		c.Close()
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	events := collect(t, live, 5*time.Second)
	assert.Len(t, events, subscriptionBuffer*10)
}

func TestChannelSubscriptionCloseStopsDelivery(t *testing.T) {
	c := newChannel()
	sub := c.Subscribe()

	c.Publish(progressEvent("one"))
	sub.Close()
	sub.Close() // idempotent

	// The stream must end even though the channel stays open.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription did not close")
		}
	}
}

func TestChannelHistorySnapshot(t *testing.T) {
	c := newChannel()
	c.Publish(progressEvent("one"))
	c.Publish(progressEvent("two"))

	history := c.History()
	require.Len(t, history, 2)

	history[0].Message = "mutated"
	assert.Equal(t, "one", c.History()[0].Message)
	c.Close()
}

func TestChannelPublishAfterClosePanics(t *testing.T) {
	c := newChannel()
	c.Close()
	assert.Panics(t, func() { c.Publish(progressEvent("late")) })
}
