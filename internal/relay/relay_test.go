package relay

import (
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/lift-sync/internal/events"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
)

func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second), "embedded NATS not ready")
	return srv.ClientURL()
}

func subscribe(t *testing.T, url, subject string) chan *nats.Msg {
	t.Helper()
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	ch := make(chan *nats.Msg, 16)
	_, err = nc.ChanSubscribe(subject, ch)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	return ch
}

func receive(t *testing.T, ch chan *nats.Msg, v any) {
	t.Helper()
	select {
	case msg := <-ch:
		require.NoError(t, json.Unmarshal(msg.Data, v))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestPublisherSubjects(t *testing.T) {
	url := startTestNATS(t)
	pub, err := Connect(url, "liftsync", log.New(io.Discard, "", 0))
	require.NoError(t, err)
	defer pub.Close()

	assert.Equal(t, "liftsync.session.status", pub.Subject(SubjectStatus))
	ch := subscribe(t, url, "liftsync.>")

	require.NoError(t, pub.Publish(SubjectStatus, StatusEvent{To: "active"}))
	require.NoError(t, pub.Flush())

	var got StatusEvent
	receive(t, ch, &got)
	assert.Equal(t, "active", got.To)
}

func TestRelayForwardsSnapshots(t *testing.T) {
	url := startTestNATS(t)
	logger := log.New(io.Discard, "", 0)
	pub, err := Connect(url, "gym", logger)
	require.NoError(t, err)

	snapshots := subscribe(t, url, "gym.session.snapshot")
	statuses := subscribe(t, url, "gym.session.status")

	src := events.NewChannelEvent[session.Snapshot](true)
	r := New(pub, src, logger)
	defer r.Shutdown()

	active := session.Snapshot{SessionID: "s-1", State: model.WorkoutSessionState{Status: model.SessionActive}, CurrentExercise: -1}
	src.Notify(active)
	var view session.View
	receive(t, snapshots, &view)
	assert.Equal(t, "s-1", view.SessionID)
	assert.Equal(t, "active", view.Status)

	var status StatusEvent
	receive(t, statuses, &status)
	assert.Equal(t, StatusEvent{SessionID: "s-1", To: "active"}, status)

	// same status: snapshot only
	active.Elapsed = 5 * time.Second
	src.Notify(active)
	receive(t, snapshots, &view)
	assert.Equal(t, int64(5000), view.ElapsedMs)

	failed := active
	failed.State = model.WorkoutSessionState{Status: model.SessionError, Reason: "history write failed"}
	src.Notify(failed)
	receive(t, snapshots, &view)
	receive(t, statuses, &status)
	assert.Equal(t, StatusEvent{SessionID: "s-1", From: "active", To: "error", Reason: "history write failed"}, status)
	assert.Empty(t, statuses)
}
