package notify

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATS_PublishSubject(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	sub, err := nc.SubscribeSync("deploy.runs.run-1.stage")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pub, err := NewNATS(nc, "", nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), Event{RunID: "run-1", Type: EventStage, Stage: "committing", Status: "running"}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), `"stage":"committing"`)
	assert.Contains(t, string(msg.Data), `"timestamp"`)
}

func TestWatch_StopsOnFinished(t *testing.T) {
	server := startTestNATSServer(t)
	subConn := connect(t, server)
	pubConn := connect(t, server)

	pub, err := NewNATS(pubConn, "deploy", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := Subscribe(subConn, "deploy", "run-9")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, pub.Publish(ctx, Event{RunID: "run-9", Type: EventStage, Stage: "resolving_parent", Status: "running"}))
	require.NoError(t, pub.Publish(ctx, Event{RunID: "run-other", Type: EventFinished, Status: "failed"}))
	require.NoError(t, pub.Publish(ctx, Event{RunID: "run-9", Type: EventFinished, Status: "succeeded"}))

	var got []Event
	require.NoError(t, w.Run(ctx, func(e Event) bool {
		got = append(got, e)
		return true
	}))
	require.Len(t, got, 2)
	assert.Equal(t, "resolving_parent", got[0].Stage)
	assert.True(t, got[1].Terminal())
}

func TestWatch_ContextCancel(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Watch(ctx, nc, "", "run-1", func(Event) bool { return true })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewNATS_RequiresConn(t *testing.T) {
	_, err := NewNATS(nil, "", nil)
	assert.Error(t, err)
}

func TestWatcher_NextTimesOut(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	w, err := Subscribe(nc, "", "run-3")
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	_, ok, err := w.Next(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	pub, err := NewNATS(nc, "", nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), Event{RunID: "run-3", Type: EventFinished, Status: "succeeded"}))

	e, ok, err := w.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Terminal())
}
