// ABOUTME: Agent-side transport interface and its HTTP+SSE implementation.
// ABOUTME: Registers with the relay, sends messages, streams deliveries, acknowledges.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcpmesh/mcpmesh/internal/protocol"
)

// Transport errors
var (
	ErrNotRegistered = errors.New("transport not registered")
	ErrSendFailed    = errors.New("send failed")
)

// maxEventBytes caps a single SSE frame. A delivery arrives as one data:
// line, so result payloads must fit inside it.
const maxEventBytes = 16 << 20

// Transport is the messaging surface an agent runtime depends on. Receive
// blocks until a delivery arrives; the caller acknowledges by message id
// once the delivery has been fully handled.
type Transport interface {
	Send(ctx context.Context, target string, msg protocol.Message) error
	Receive(ctx context.Context) (protocol.Delivery, error)
	Acknowledge(ctx context.Context, messageID string) error
}

// HTTPTransport talks to a mesh-relay over HTTP, consuming deliveries from
// the relay's SSE event stream. It reconnects with exponential backoff when
// the stream drops; the relay redelivers anything unacknowledged, so a
// dropped stream costs latency, not messages.
type HTTPTransport struct {
	relayURL  string
	agentName string
	client    *http.Client
	logger    *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	token   string
	agentID string

	// stream state, owned by the Receive caller
	resp    *http.Response
	scanner *bufio.Scanner
}

// Options configures an HTTPTransport.
type Options struct {
	// Client is the HTTP client used for all requests. Defaults to a client
	// with no overall timeout; the event stream is long-lived.
	Client *http.Client

	// MinBackoff and MaxBackoff bound the reconnect delay for the event
	// stream. Defaults: 1s and 30s.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Logger *slog.Logger
}

// New creates an HTTPTransport for the named agent against the given relay
// base URL. The transport is inert until Register succeeds.
func New(relayURL, agentName string, opts Options) *HTTPTransport {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPTransport{
		relayURL:   strings.TrimRight(relayURL, "/"),
		agentName:  agentName,
		client:     client,
		logger:     logger.With("component", "transport", "agent", agentName),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// AgentName returns the name this transport registered (or will register) as.
func (t *HTTPTransport) AgentName() string {
	return t.agentName
}

// Register announces the agent to the relay and stores the bearer token the
// relay issues. Safe to call again to refresh the token.
func (t *HTTPTransport) Register(ctx context.Context, capabilities []string) error {
	body, err := json.Marshal(map[string]any{
		"agent":        t.agentName,
		"capabilities": capabilities,
	})
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.relayURL+"/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("registering with relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registering with relay: %s", readErrorBody(resp))
	}

	var out struct {
		AgentID string `json:"agent_id"`
		Token   string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding registration response: %w", err)
	}

	t.token = out.Token
	t.agentID = out.AgentID
	t.logger.Info("registered with relay", "relay_url", t.relayURL, "instance_id", out.AgentID)
	return nil
}

// Send posts a message to the named target agent.
func (t *HTTPTransport) Send(ctx context.Context, target string, msg protocol.Message) error {
	if t.token == "" {
		return ErrNotRegistered
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.relayURL+"/message/"+target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrSendFailed, readErrorBody(resp))
	}
	return nil
}

// Receive blocks until the relay delivers a message or the context is done.
// The stream is (re)connected as needed; heartbeat events are consumed
// silently.
func (t *HTTPTransport) Receive(ctx context.Context) (protocol.Delivery, error) {
	if t.token == "" {
		return protocol.Delivery{}, ErrNotRegistered
	}

	backoff := t.minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Delivery{}, err
		}

		if t.scanner == nil {
			if err := t.connect(ctx); err != nil {
				t.logger.Warn("event stream connect failed, retrying",
					"error", err,
					"backoff", backoff,
				)
				if err := sleepCtx(ctx, backoff); err != nil {
					return protocol.Delivery{}, err
				}
				backoff = min(backoff*2, t.maxBackoff)
				continue
			}
			backoff = t.minBackoff
		}

		d, ok := t.nextEvent()
		if !ok {
			// Stream ended or broke; drop it and reconnect.
			t.closeStream()
			continue
		}
		return d, nil
	}
}

// Acknowledge tells the relay a delivery has been fully handled and must not
// be redelivered.
func (t *HTTPTransport) Acknowledge(ctx context.Context, messageID string) error {
	if t.token == "" {
		return ErrNotRegistered
	}

	body, _ := json.Marshal(map[string]string{"message_id": messageID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.relayURL+"/acknowledge", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating acknowledge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("acknowledging message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("acknowledging message: %s", readErrorBody(resp))
	}
	return nil
}

// Close tears down the event stream if one is open.
func (t *HTTPTransport) Close() error {
	t.closeStream()
	return nil
}

// connect opens the SSE event stream.
func (t *HTTPTransport) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.relayURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp)
		resp.Body.Close()
		return fmt.Errorf("opening event stream: %s", msg)
	}

	t.resp = resp
	t.scanner = bufio.NewScanner(resp.Body)
	// Result payloads can exceed the scanner's default 64KB token limit.
	t.scanner.Buffer(make([]byte, 64*1024), maxEventBytes)
	t.logger.Debug("event stream connected")
	return nil
}

// nextEvent reads SSE frames off the open stream until a message event
// arrives. Returns false when the stream ends or a frame cannot be read.
func (t *HTTPTransport) nextEvent() (protocol.Delivery, bool) {
	event := ""
	for t.scanner.Scan() {
		line := strings.TrimSpace(t.scanner.Text())
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event != "message" {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			var d protocol.Delivery
			if err := json.Unmarshal([]byte(data), &d); err != nil {
				t.logger.Warn("dropping undecodable event frame", "error", err)
				continue
			}
			return d, true
		case line == "":
			event = ""
		}
	}
	return protocol.Delivery{}, false
}

func (t *HTTPTransport) closeStream() {
	if t.resp != nil {
		t.resp.Body.Close()
	}
	t.resp = nil
	t.scanner = nil
}

// readErrorBody extracts a short error description from a non-200 response.
func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	var out struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &out) == nil && out.Error != "" {
		return fmt.Sprintf("%s: %s", resp.Status, out.Error)
	}
	return fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
