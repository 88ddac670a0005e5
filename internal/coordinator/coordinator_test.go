// ABOUTME: Unit tests for the coordinator using an in-memory fake transport.
// ABOUTME: Covers dispatch, result collection, dependent forwarding, and probes.

package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmesh/mcpmesh/internal/protocol"
)

type sentMessage struct {
	target string
	msg    protocol.Message
}

type fakeTransport struct {
	deliveries chan protocol.Delivery

	mu    sync.Mutex
	sent  []sentMessage
	acked []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{deliveries: make(chan protocol.Delivery, 16)}
}

func (f *fakeTransport) Send(_ context.Context, target string, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{target: target, msg: msg})
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (protocol.Delivery, error) {
	select {
	case <-ctx.Done():
		return protocol.Delivery{}, ctx.Err()
	case d := <-f.deliveries:
		return d, nil
	}
}

func (f *fakeTransport) Acknowledge(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, messageID)
	return nil
}

func (f *fakeTransport) sentTo(target string) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, s := range f.sent {
		if s.target == target {
			out = append(out, s.msg)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startCoordinator(t *testing.T) (*Coordinator, *fakeTransport) {
	t.Helper()

	tr := newFakeTransport()
	c := New("boss", tr, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, tr
}

func twoStepGraph() []TaskSpec {
	return []TaskSpec{
		{TaskID: "t1", Agent: "worker-a", Description: "gather sources"},
		{TaskID: "t2", Agent: "worker-b", Description: "summarize", DependsOn: []string{"t1"}},
	}
}

func TestCoordinator_SubmitDispatchesAllSteps(t *testing.T) {
	c, tr := startCoordinator(t)

	require.NoError(t, c.SubmitGraph(context.Background(), twoStepGraph()))

	a := tr.sentTo("worker-a")
	require.Len(t, a, 1)
	assert.Equal(t, protocol.TypeTask, a[0].Type)
	assert.Equal(t, "t1", a[0].TaskID)
	assert.Equal(t, "boss", a[0].ReplyTo)

	b := tr.sentTo("worker-b")
	require.Len(t, b, 1)
	assert.Equal(t, "t2", b[0].TaskID)
	assert.Equal(t, []string{"t1"}, b[0].DependsOn)
}

func TestCoordinator_ForwardsResultToDependent(t *testing.T) {
	c, tr := startCoordinator(t)
	require.NoError(t, c.SubmitGraph(context.Background(), twoStepGraph()))

	tr.deliveries <- protocol.Delivery{
		MessageID: "m1",
		Message:   protocol.NewTaskResult("t1", "the sources", "worker-a"),
	}

	// worker-b got the task at submit; the t1 result follows once collected
	require.Eventually(t, func() bool {
		return len(tr.sentTo("worker-b")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	fwd := tr.sentTo("worker-b")[1]
	assert.Equal(t, protocol.TypeTaskResult, fwd.Type)
	assert.Equal(t, "t1", fwd.TaskID)
	assert.Equal(t, "the sources", fwd.Result)
}

func TestCoordinator_ForwardsOnlyWhenAllDepsPresent(t *testing.T) {
	c, tr := startCoordinator(t)

	graph := []TaskSpec{
		{TaskID: "t1", Agent: "worker-a", Description: "left"},
		{TaskID: "t2", Agent: "worker-a", Description: "right"},
		{TaskID: "t3", Agent: "worker-b", Description: "join", DependsOn: []string{"t1", "t2"}},
	}
	require.NoError(t, c.SubmitGraph(context.Background(), graph))

	tr.deliveries <- protocol.Delivery{
		MessageID: "m1",
		Message:   protocol.NewTaskResult("t1", "left out", "worker-a"),
	}

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tr.sentTo("worker-b"), 1, "no forward until every dependency has a result")

	tr.deliveries <- protocol.Delivery{
		MessageID: "m2",
		Message:   protocol.NewTaskResult("t2", "right out", "worker-a"),
	}

	require.Eventually(t, func() bool {
		return len(tr.sentTo("worker-b")) == 3
	}, 2*time.Second, 10*time.Millisecond)

	ids := map[string]bool{}
	for _, msg := range tr.sentTo("worker-b")[1:] {
		require.Equal(t, protocol.TypeTaskResult, msg.Type)
		ids[msg.TaskID] = true
	}
	assert.True(t, ids["t1"])
	assert.True(t, ids["t2"])
}

func TestCoordinator_DuplicateResultFirstWriteWins(t *testing.T) {
	c, tr := startCoordinator(t)
	require.NoError(t, c.SubmitGraph(context.Background(), twoStepGraph()))

	tr.deliveries <- protocol.Delivery{
		MessageID: "m1",
		Message:   protocol.NewTaskResult("t1", "first", "worker-a"),
	}
	tr.deliveries <- protocol.Delivery{
		MessageID: "m2",
		Message:   protocol.NewTaskResult("t1", "second", "worker-a"),
	}

	require.Eventually(t, func() bool {
		return c.Results()["t1"] != nil
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "first", c.Results()["t1"])
	// The forward to worker-b happens once
	assert.Len(t, tr.sentTo("worker-b"), 2)
}

func TestCoordinator_WaitForCompletion(t *testing.T) {
	c, tr := startCoordinator(t)
	require.NoError(t, c.SubmitGraph(context.Background(), twoStepGraph()))

	go func() {
		tr.deliveries <- protocol.Delivery{
			MessageID: "m1",
			Message:   protocol.NewTaskResult("t1", "one", "worker-a"),
		}
		tr.deliveries <- protocol.Delivery{
			MessageID: "m2",
			Message:   protocol.NewTaskResult("t2", "two", "worker-b"),
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := c.WaitForCompletion(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "one", results["t1"])
	assert.Equal(t, "two", results["t2"])
}

func TestCoordinator_WaitForCompletionNothingSubmitted(t *testing.T) {
	c, _ := startCoordinator(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results, err := c.WaitForCompletion(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCoordinator_WaitForCompletionContextCanceled(t *testing.T) {
	c, _ := startCoordinator(t)
	require.NoError(t, c.SubmitGraph(context.Background(), twoStepGraph()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.WaitForCompletion(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_ErrorResultCountsAsCompletion(t *testing.T) {
	c, tr := startCoordinator(t)
	require.NoError(t, c.SubmitGraph(context.Background(), []TaskSpec{
		{TaskID: "t1", Agent: "worker-a", Description: "doomed"},
	}))

	errMsg := protocol.NewTaskResult("t1", "Error: it broke", "worker-a")
	errMsg.Error = true
	tr.deliveries <- protocol.Delivery{MessageID: "m1", Message: errMsg}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := c.WaitForCompletion(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "Error: it broke", results["t1"])
	assert.Equal(t, []string{"t1"}, c.Failed())
}

func TestCoordinator_ResubmitTolerated(t *testing.T) {
	c, tr := startCoordinator(t)
	graph := twoStepGraph()

	require.NoError(t, c.SubmitGraph(context.Background(), graph))

	tr.deliveries <- protocol.Delivery{
		MessageID: "m1",
		Message:   protocol.NewTaskResult("t1", "kept", "worker-a"),
	}
	require.Eventually(t, func() bool {
		return c.Results()["t1"] != nil
	}, 2*time.Second, 10*time.Millisecond)

	// Resubmission re-dispatches but does not clobber the collected result
	require.NoError(t, c.SubmitGraph(context.Background(), graph))
	assert.Equal(t, "kept", c.Results()["t1"])
	assert.Len(t, tr.sentTo("worker-a"), 2)
}

func TestCoordinator_AnswersGetResult(t *testing.T) {
	c, tr := startCoordinator(t)
	require.NoError(t, c.SubmitGraph(context.Background(), twoStepGraph()))

	tr.deliveries <- protocol.Delivery{
		MessageID: "m1",
		Message:   protocol.NewTaskResult("t1", "the answer", "worker-a"),
	}
	require.Eventually(t, func() bool {
		return c.Results()["t1"] != nil
	}, 2*time.Second, 10*time.Millisecond)

	tr.deliveries <- protocol.Delivery{
		MessageID: "m2",
		Message:   protocol.NewGetResult("t1", "worker-b", "worker-b"),
	}

	require.Eventually(t, func() bool {
		for _, msg := range tr.sentTo("worker-b") {
			if msg.Type == protocol.TypeTaskResult && msg.Result == "the answer" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestValidateGraph(t *testing.T) {
	tests := []struct {
		name    string
		specs   []TaskSpec
		wantErr error
	}{
		{
			name:  "valid",
			specs: twoStepGraph(),
		},
		{
			name: "duplicate id",
			specs: []TaskSpec{
				{TaskID: "t1", Agent: "a", Description: "x"},
				{TaskID: "t1", Agent: "b", Description: "y"},
			},
			wantErr: ErrDuplicateTaskID,
		},
		{
			name:    "missing agent",
			specs:   []TaskSpec{{TaskID: "t1", Description: "x"}},
			wantErr: ErrUnknownAgent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateGraph(tt.specs)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
