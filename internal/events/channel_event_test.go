package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelEvent(t *testing.T) {
	event := NewChannelEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
	assert.Equal(t, DropWhenFull, event.mode)

	event2 := NewChannelEventWithMode[int](BlockUntilDelivered, true)
	require.NotNil(t, event2)
	assert.True(t, event2.sendLastEventOnListen)
	assert.Equal(t, BlockUntilDelivered, event2.mode)
}

func TestChannelEvent_Listen_Notify_Basic(t *testing.T) {
	event := NewChannelEvent[string](false)

	ch := make(chan string, 10)
	unregister := event.Listen(ch)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("test1")
	event.Notify("test2")

	assert.Equal(t, "test1", <-ch)
	assert.Equal(t, "test2", <-ch)

	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify("test3")
	select {
	case val := <-ch:
		t.Errorf("Unexpected value received after unregister: %s", val)
	default:
	}
}

func TestChannelEvent_SendLastEventOnListen(t *testing.T) {
	event := NewChannelEvent[string](true)

	ch1 := make(chan string, 10)
	unregister1 := event.Listen(ch1)
	defer unregister1()

	select {
	case val := <-ch1:
		t.Errorf("Unexpected value received before any notify: %s", val)
	default:
	}

	event.Notify("first-event")
	assert.Equal(t, "first-event", <-ch1)

	// A late listener gets the last value straight away
	ch2 := make(chan string, 10)
	unregister2 := event.Listen(ch2)
	defer unregister2()
	assert.Equal(t, "first-event", <-ch2)
}

func TestChannelEvent_FullChannelIsSkipped(t *testing.T) {
	event := NewChannelEvent[string](false)

	ch := make(chan string, 1)
	unregister := event.Listen(ch)
	defer unregister()

	ch <- "blocking"
	event.Notify("dropped")
	assert.Equal(t, 1, len(ch))
	assert.Equal(t, "blocking", <-ch)

	event.Notify("delivered")
	assert.Equal(t, "delivered", <-ch)
}

func TestChannelEvent_BlockingModeDeliversEverythingInOrder(t *testing.T) {
	event := NewChannelEventWithMode[int](BlockUntilDelivered, false)

	ch := make(chan int) // unbuffered: every Notify has to wait for the reader
	unregister := event.Listen(ch)
	defer unregister()

	received := make([]int, 0, 50)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for len(received) < 50 {
			received = append(received, <-ch)
		}
	}()

	for i := 0; i < 50; i++ {
		event.Notify(i)
	}
	wg.Wait()

	for i, v := range received {
		assert.Equal(t, i, v)
	}
}

func TestChannelEvent_BlockingModeGivesUpOnUnregister(t *testing.T) {
	event := NewChannelEventWithMode[string](BlockUntilDelivered, false)

	ch := make(chan string)
	unregister := event.Listen(ch)

	done := make(chan struct{})
	go func() {
		event.Notify("never read")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	unregister()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify stayed blocked after the listener unregistered")
	}
	assert.Equal(t, 0, event.ListenerCount())
}

func TestChannelEvent_NotifyContextCancelled(t *testing.T) {
	event := NewChannelEventWithMode[string](BlockUntilDelivered, false)

	ch := make(chan string)
	unregister := event.Listen(ch)
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := event.NotifyContext(ctx, "stuck")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelEvent_Listen_NilChannel(t *testing.T) {
	event := NewChannelEvent[string](false)

	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestChannelEvent_ConcurrentNotify(t *testing.T) {
	event := NewChannelEvent[int](false)

	channels := make([]chan int, 10)
	for i := range channels {
		channels[i] = make(chan int, 100)
		unregister := event.Listen(channels[i])
		defer unregister()
	}

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		go func(value int) {
			defer wg.Done()
			event.Notify(value)
		}(i)
	}
	wg.Wait()

	for _, ch := range channels {
		assert.Equal(t, 5, len(ch))
	}
}
