package session

// State is the lifecycle state of the engine.
type State int

const (
	Uninitialized State = iota
	Loading
	Authenticated
	Refreshing
	Anonymous
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Notice is a user-visible message raised by the engine outside of any request.
type Notice string

// NoticeSessionExpired is raised when a background refresh ends the session.
const NoticeSessionExpired Notice = "Your session has expired. Please sign in again."
