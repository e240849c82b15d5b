package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"chatclient/internal/logger"
	"chatclient/pkg/chattypes"
)

const defaultReadSize = 4 << 10

// StreamResult is the outcome of one submission.
type StreamResult struct {
	SessionID string
	State     chattypes.StreamState // Completed, Cancelled or Failed
	Content   string                // Final assistant content, including any error text
	Err       error                 // Set when State is Failed
}

// streamRun is the in-flight submission.
type streamRun struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// StreamConsumer sends a message and incrementally applies the streamed reply to the
// conversation. At most one submission is in flight; a new one cancels the previous.
type StreamConsumer struct {
	router       *RequestRouter
	sessions     ActiveSessionSource
	conversation *Conversation
	readSize     int
	log          *log.Logger

	mu        sync.Mutex
	state     chattypes.StreamState
	inflight  *streamRun
	observers []chattypes.StreamObserver
}

// NewStreamConsumer creates a StreamConsumer writing into conversation.
func NewStreamConsumer(router *RequestRouter, sessions ActiveSessionSource, conversation *Conversation) *StreamConsumer {
	return &StreamConsumer{
		router:       router,
		sessions:     sessions,
		conversation: conversation,
		readSize:     defaultReadSize,
		log:          logger.NewStyledLogger("Stream"),
	}
}

// Observe registers an observer for stream events.
func (c *StreamConsumer) Observe(observer chattypes.StreamObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, observer)
}

// State returns the current state. It is Idle between submissions.
func (c *StreamConsumer) State() chattypes.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFlight reports whether a submission is running.
func (c *StreamConsumer) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// Cancel aborts the in-flight submission, if any, and waits for it to finish.
func (c *StreamConsumer) Cancel() {
	c.mu.Lock()
	run := c.inflight
	c.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
}

// CancelSession aborts the in-flight submission when it belongs to sessionID.
func (c *StreamConsumer) CancelSession(sessionID string) {
	c.mu.Lock()
	run := c.inflight
	c.mu.Unlock()
	if run == nil || run.sessionID != sessionID {
		return
	}
	run.cancel()
	<-run.done
}

type streamRequest struct {
	Messages []chattypes.Message `json:"messages"`
}

// Submit sends input to the active session and blocks until the reply completes, fails
// or is cancelled. An error is returned only when nothing was submitted; transport and
// server failures are reported in the result and written into the conversation.
func (c *StreamConsumer) Submit(ctx context.Context, input string) (StreamResult, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return StreamResult{}, ErrEmptyInput
	}
	active, ok := c.sessions.Active()
	if !ok {
		return StreamResult{}, ErrNoActiveSession
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := c.claim(active.ID, cancel)

	t, history := c.conversation.beginTurn(active.ID, trimmed)
	c.transition(run, chattypes.StreamSending, "", nil)

	result := c.consume(runCtx, run, t, history)

	c.mu.Lock()
	c.inflight = nil
	c.state = chattypes.StreamIdle
	c.mu.Unlock()
	close(run.done)

	return result, nil
}

// claim waits for any previous submission to finish, cancelling it first, and registers a
// new run. Only after the previous run closed its done channel can no stale frame land
// in the new placeholder.
func (c *StreamConsumer) claim(sessionID string, cancel context.CancelFunc) *streamRun {
	for {
		c.mu.Lock()
		if c.inflight == nil {
			run := &streamRun{sessionID: sessionID, cancel: cancel, done: make(chan struct{})}
			c.inflight = run
			c.mu.Unlock()
			return run
		}
		previous := c.inflight
		c.mu.Unlock()

		c.log.Debug("Cancelling previous submission", "session", previous.sessionID)
		previous.cancel()
		<-previous.done
	}
}

func (c *StreamConsumer) consume(ctx context.Context, run *streamRun, t turn, history []chattypes.Message) StreamResult {
	resp, err := c.router.Do(ctx, Call{
		Method:     http.MethodPost,
		Path:       "/chat/stream",
		Credential: chattypes.CredentialActiveSession,
		Body:       streamRequest{Messages: history},
		Stream:     true,
	})
	if err != nil {
		return c.finish(ctx, run, t, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.finish(ctx, run, t, newAPIError("POST /chat/stream", resp))
	}

	c.transition(run, chattypes.StreamStreaming, "", nil)

	parser := NewStreamParser()
	buf := make([]byte, c.readSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if !c.apply(ctx, run, t, parser.Feed(buf[:n])) {
				return c.finish(ctx, run, t, ctx.Err())
			}
		}
		if errors.Is(readErr, io.EOF) {
			if !c.apply(ctx, run, t, parser.Flush()) {
				return c.finish(ctx, run, t, ctx.Err())
			}
			return c.finish(ctx, run, t, nil)
		}
		if readErr != nil {
			return c.finish(ctx, run, t, fmt.Errorf("stream interrupted: %w", readErr))
		}
	}
}

// apply writes frames into the placeholder. It stops, returning false, once ctx is done.
func (c *StreamConsumer) apply(ctx context.Context, run *streamRun, t turn, frames []chattypes.StreamFrame) bool {
	for _, frame := range frames {
		if ctx.Err() != nil {
			return false
		}
		if frame.Content == "" {
			continue
		}
		if !c.conversation.appendDelta(t, frame.Content) {
			c.log.Debug("Dropping frame for a replaced conversation", "session", run.sessionID)
			continue
		}
		c.notify(chattypes.StreamEvent{SessionID: run.sessionID, State: chattypes.StreamStreaming, Delta: frame.Content})
	}
	return ctx.Err() == nil
}

// finish settles the run in a terminal state. An explicit cancellation is not an error; an
// expired deadline fails the reply like any other transport failure.
func (c *StreamConsumer) finish(ctx context.Context, run *streamRun, t turn, err error) StreamResult {
	result := StreamResult{SessionID: run.sessionID}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("reply timed out: %w", ctx.Err())
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		result.State = chattypes.StreamCancelled
		c.log.Debug("Submission cancelled", "session", run.sessionID)
	case err != nil:
		result.State = chattypes.StreamFailed
		result.Err = err
		msg := UserMessage(err)
		c.conversation.fail(t,
			"Error: the reply could not be loaded. "+msg,
			"\n\n[Reply interrupted: "+msg+"]")
		c.log.Warn("Submission failed", "session", run.sessionID, "error", err)
	default:
		result.State = chattypes.StreamCompleted
	}

	result.Content = c.conversation.content(t)
	c.transition(run, result.State, "", result.Err)
	return result
}

func (c *StreamConsumer) transition(run *streamRun, state chattypes.StreamState, delta string, err error) {
	c.mu.Lock()
	if c.inflight == run {
		c.state = state
	}
	c.mu.Unlock()

	c.log.Debug("Stream state", "session", run.sessionID, "state", state)
	c.notify(chattypes.StreamEvent{SessionID: run.sessionID, State: state, Delta: delta, Err: err})
}

func (c *StreamConsumer) notify(event chattypes.StreamEvent) {
	c.mu.Lock()
	observers := append([]chattypes.StreamObserver(nil), c.observers...)
	c.mu.Unlock()
	for _, observer := range observers {
		observer(event)
	}
}
