// ABOUTME: Integration tests for HTTPTransport against a real relay server.
// ABOUTME: Covers register, send, streamed receive, acknowledge, and reconnect behavior.

package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmesh/mcpmesh/internal/auth"
	"github.com/mcpmesh/mcpmesh/internal/protocol"
	"github.com/mcpmesh/mcpmesh/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T, visibility time.Duration) *httptest.Server {
	t.Helper()

	srv := relay.NewServer(relay.ServerConfig{
		Registry:  relay.NewRegistry(testLogger()),
		Inboxes:   relay.NewInboxes(visibility),
		Verifier:  auth.NewJWTVerifier([]byte("test-secret")),
		TokenTTL:  time.Hour,
		Heartbeat: 50 * time.Millisecond,
		Logger:    testLogger(),
	})

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func newTestTransport(t *testing.T, ts *httptest.Server, agent string) *HTTPTransport {
	t.Helper()

	tr := New(ts.URL, agent, Options{
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
		Logger:     testLogger(),
	})
	t.Cleanup(func() { tr.Close() })
	require.NoError(t, tr.Register(context.Background(), nil))
	return tr
}

func TestHTTPTransport_RequiresRegistration(t *testing.T) {
	ts := newTestRelay(t, 30*time.Second)
	tr := New(ts.URL, "alice", Options{Logger: testLogger()})

	err := tr.Send(context.Background(), "bob", protocol.NewTask("t1", "work", nil, "", "alice"))
	require.ErrorIs(t, err, ErrNotRegistered)

	_, err = tr.Receive(context.Background())
	require.ErrorIs(t, err, ErrNotRegistered)

	err = tr.Acknowledge(context.Background(), "some-id")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestHTTPTransport_SendReceiveAcknowledge(t *testing.T) {
	ts := newTestRelay(t, 30*time.Second)
	alice := newTestTransport(t, ts, "alice")
	bob := newTestTransport(t, ts, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := protocol.NewTask("t1", "count the words", nil, "bob", "bob")
	require.NoError(t, bob.Send(ctx, "alice", msg))

	d, err := alice.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", d.Message.TaskID)
	assert.Equal(t, "bob", d.Message.Sender)
	require.NotEmpty(t, d.MessageID)

	require.NoError(t, alice.Acknowledge(ctx, d.MessageID))
}

func TestHTTPTransport_ReceiveSkipsHeartbeats(t *testing.T) {
	ts := newTestRelay(t, 30*time.Second)
	alice := newTestTransport(t, ts, "alice")
	bob := newTestTransport(t, ts, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Wait out a couple of heartbeat intervals before anything is sent, so
	// the stream carries heartbeats first.
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = bob.Send(ctx, "alice", protocol.NewTask("t1", "late task", nil, "", "bob"))
	}()

	d, err := alice.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", d.Message.TaskID)
}

func TestHTTPTransport_UnackedIsRedelivered(t *testing.T) {
	ts := newTestRelay(t, 100*time.Millisecond)
	alice := newTestTransport(t, ts, "alice")
	bob := newTestTransport(t, ts, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, bob.Send(ctx, "alice", protocol.NewTask("t1", "work", nil, "", "bob")))

	first, err := alice.Receive(ctx)
	require.NoError(t, err)

	// Not acknowledged: the relay delivers it again after the visibility
	// timeout, on the same stream.
	second, err := alice.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.Message.TaskID, second.Message.TaskID)
}

func TestHTTPTransport_ReceiveContextCanceled(t *testing.T) {
	ts := newTestRelay(t, 30*time.Second)
	alice := newTestTransport(t, ts, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := alice.Receive(ctx)
	require.Error(t, err)
}

func TestHTTPTransport_ReconnectAfterStreamDrop(t *testing.T) {
	ts := newTestRelay(t, 30*time.Second)
	alice := newTestTransport(t, ts, "alice")
	bob := newTestTransport(t, ts, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, bob.Send(ctx, "alice", protocol.NewTask("t1", "work", nil, "", "bob")))

	d, err := alice.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.Acknowledge(ctx, d.MessageID))

	// Force the stream down; the next Receive must reconnect transparently.
	alice.closeStream()

	require.NoError(t, bob.Send(ctx, "alice", protocol.NewTask("t2", "more work", nil, "", "bob")))

	d2, err := alice.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t2", d2.Message.TaskID)
}

func TestHTTPTransport_LargeResultPayload(t *testing.T) {
	ts := newTestRelay(t, 30*time.Second)
	alice := newTestTransport(t, ts, "alice")
	bob := newTestTransport(t, ts, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Well past bufio.Scanner's default 64KB token limit once framed as a
	// single SSE data line.
	payload := strings.Repeat("x", 256*1024)
	require.NoError(t, bob.Send(ctx, "alice", protocol.NewTaskResult("t1", payload, "bob")))

	d, err := alice.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", d.Message.TaskID)
	assert.Equal(t, payload, d.Message.Result)
}

func TestHTTPTransport_SendToUnregisteredTargetIsHeld(t *testing.T) {
	ts := newTestRelay(t, 30*time.Second)
	bob := newTestTransport(t, ts, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// carol has not registered yet; the relay holds the message
	require.NoError(t, bob.Send(ctx, "carol", protocol.NewTask("t1", "early task", nil, "", "bob")))

	carol := newTestTransport(t, ts, "carol")
	d, err := carol.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", d.Message.TaskID)
}
