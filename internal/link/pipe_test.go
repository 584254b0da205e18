package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu           sync.Mutex
	frames       []string
	reachability []bool
}

func (c *collector) onFrame(f []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(f))
}

func (c *collector) onReachability(r bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reachability = append(c.reachability, r)
}

func (c *collector) framesSnapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func (c *collector) reachabilitySnapshot() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.reachability...)
}

func openPipe(t *testing.T) (*Pipe, *PipeEnd, *PipeEnd, *collector, *collector) {
	t.Helper()
	pipe, a, b := NewPipe()
	ca, cb := &collector{}, &collector{}
	a.SetHandlers(ca.onFrame, ca.onReachability)
	b.SetHandlers(cb.onFrame, cb.onReachability)
	require.NoError(t, a.Open(context.Background()))
	require.NoError(t, b.Open(context.Background()))
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return pipe, a, b, ca, cb
}

func TestPipe_DeliversInOrder(t *testing.T) {
	_, a, _, _, cb := openPipe(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 100; i++ {
		msg := fmt.Sprintf("frame-%d", i)
		want = append(want, msg)
		require.NoError(t, a.Write(ctx, []byte(msg)))
	}

	require.Eventually(t, func() bool { return len(cb.framesSnapshot()) == 100 }, time.Second, time.Millisecond)
	assert.Equal(t, want, cb.framesSnapshot())
}

func TestPipe_Reachability(t *testing.T) {
	pipe, a, b, ca, cb := openPipe(t)
	ctx := context.Background()

	assert.True(t, a.Reachable())
	assert.Equal(t, []bool{true}, ca.reachabilitySnapshot())

	pipe.SetReachable(false)
	assert.False(t, a.Reachable())
	assert.False(t, b.Reachable())
	assert.ErrorIs(t, a.Write(ctx, []byte("x")), ErrNotReachable)
	assert.Equal(t, []bool{true, false}, ca.reachabilitySnapshot())
	assert.Equal(t, []bool{true, false}, cb.reachabilitySnapshot())

	// Setting the same value twice does not notify again
	pipe.SetReachable(false)
	assert.Len(t, ca.reachabilitySnapshot(), 2)

	pipe.SetReachable(true)
	require.NoError(t, b.Write(ctx, []byte("back")))
	require.Eventually(t, func() bool { return len(ca.framesSnapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestPipe_WriteErrorAndClose(t *testing.T) {
	pipe, a, _, _, _ := openPipe(t)
	ctx := context.Background()

	boom := errors.New("radio fault")
	pipe.SetWriteError(boom)
	assert.ErrorIs(t, a.Write(ctx, []byte("x")), boom)
	pipe.SetWriteError(nil)
	assert.NoError(t, a.Write(ctx, []byte("x")))

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Write(ctx, []byte("x")), ErrClosed)
	assert.ErrorIs(t, a.Open(ctx), ErrClosed)
	assert.False(t, a.Reachable())
}
