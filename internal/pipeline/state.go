package pipeline

// State is the ingestion state of a pipeline.
type State int32

const (
	// Disconnected: no broker connection, before New succeeds or after Run.
	Disconnected State = iota
	// Connected: the broker accepted the connection.
	Connected
	// Subscribed: the topic subscription succeeded.
	Subscribed
	// Streaming: Run is polling events.
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}
