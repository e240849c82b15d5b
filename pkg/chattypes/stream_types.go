package chattypes

// StreamState is a state of the stream consumer.
type StreamState int

// Stream consumer states. Completed, Cancelled and Failed are terminal.
const (
	StreamIdle StreamState = iota
	StreamSending
	StreamStreaming
	StreamCompleted
	StreamCancelled
	StreamFailed
)

// Terminal reports whether the state ends a submission.
func (s StreamState) Terminal() bool {
	return s == StreamCompleted || s == StreamCancelled || s == StreamFailed
}

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamSending:
		return "sending"
	case StreamStreaming:
		return "streaming"
	case StreamCompleted:
		return "completed"
	case StreamCancelled:
		return "cancelled"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StreamEvent is delivered to stream observers as a submission progresses.
// Delta is set for content events; State is set for every event.
type StreamEvent struct {
	SessionID string
	State     StreamState
	Delta     string
	Err       error
}

// StreamObserver receives stream events in arrival order from the consuming goroutine.
type StreamObserver func(StreamEvent)
