package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

// portQueue hands out pre-made ports, failing once it runs out
type portQueue struct {
	mu    sync.Mutex
	ports []io.ReadWriteCloser
	opens int
}

func (q *portQueue) open(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.opens++
	if len(q.ports) == 0 {
		return nil, errors.New("no such device")
	}
	p := q.ports[0]
	q.ports = q.ports[1:]
	return p, nil
}

func (q *portQueue) push(p io.ReadWriteCloser) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ports = append(q.ports, p)
}

func newTestSerialLink(q *portQueue) (*SerialLink, *collector) {
	cfg := SerialConfig{Path: "/dev/ttyACM0", BaudRate: 115200, ReopenDelay: 5 * time.Millisecond}
	l := NewSerialLink(cfg, q.open, timeutil.RealClock{}, log.New(io.Discard, "", 0))
	c := &collector{}
	l.SetHandlers(c.onFrame, c.onReachability)
	return l, c
}

func TestSerialLink_ExchangesFrames(t *testing.T) {
	left, right := net.Pipe()
	qa, qb := &portQueue{}, &portQueue{}
	qa.push(left)
	qb.push(right)

	a, ca := newTestSerialLink(qa)
	b, cb := newTestSerialLink(qb)
	ctx := context.Background()
	require.NoError(t, a.Open(ctx))
	require.NoError(t, b.Open(ctx))
	defer a.Close()
	defer b.Close()

	require.Eventually(t, func() bool { return a.Reachable() && b.Reachable() }, time.Second, time.Millisecond)

	go func() {
		_ = a.Write(ctx, []byte("hello"))
		_ = a.Write(ctx, bytes.Repeat([]byte("y"), 2000))
	}()
	require.Eventually(t, func() bool { return len(cb.framesSnapshot()) == 2 }, time.Second, time.Millisecond)
	frames := cb.framesSnapshot()
	assert.Equal(t, "hello", frames[0])
	assert.Len(t, frames[1], 2000)

	go func() { _ = b.Write(ctx, []byte("ack")) }()
	require.Eventually(t, func() bool { return len(ca.framesSnapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestSerialLink_ReopensAfterDrop(t *testing.T) {
	left, right := net.Pipe()
	q := &portQueue{}
	q.push(left)

	l, c := newTestSerialLink(q)
	require.NoError(t, l.Open(context.Background()))
	defer l.Close()
	require.Eventually(t, l.Reachable, time.Second, time.Millisecond)

	// Peer unplugs: reads fail, the link reports unreachable and keeps retrying
	require.NoError(t, right.Close())
	require.Eventually(t, func() bool { return !l.Reachable() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, l.Write(context.Background(), []byte("x")), ErrNotReachable)

	left2, right2 := net.Pipe()
	defer right2.Close()
	q.push(left2)
	require.Eventually(t, l.Reachable, time.Second, time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, c.reachabilitySnapshot())
}

func TestSerialLink_CloseStopsRetrying(t *testing.T) {
	q := &portQueue{}
	l, _ := newTestSerialLink(q)
	require.NoError(t, l.Open(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())

	q.mu.Lock()
	opens := q.opens
	q.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, opens, q.opens)
	assert.ErrorIs(t, l.Write(context.Background(), []byte("x")), ErrClosed)
}

func TestSerialConfig_Mode(t *testing.T) {
	mode := SerialConfig{}.Mode()
	assert.Equal(t, 115200, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
}
