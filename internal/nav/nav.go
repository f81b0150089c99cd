// Package nav decides where the shell should route based on auth
// state. The guard is a pure function over (session state, route
// group); the Navigator interface is what consumers call to act on a
// decision or a deep link.
package nav

// SessionState is the guard's view of authentication.
type SessionState int

const (
	// SessionUnknown means the persisted session is still being
	// resolved. The guard makes no decision yet.
	SessionUnknown SessionState = iota
	SessionSignedIn
	SessionSignedOut
)

func (s SessionState) String() string {
	switch s {
	case SessionUnknown:
		return "unknown"
	case SessionSignedIn:
		return "signed-in"
	case SessionSignedOut:
		return "signed-out"
	default:
		return "invalid"
	}
}

// RouteGroup classifies the route being visited.
type RouteGroup int

const (
	// GroupAuth covers sign-in and sign-up screens.
	GroupAuth RouteGroup = iota
	// GroupApp covers everything behind authentication.
	GroupApp
)

// Decision is what the guard wants the shell to do.
type Decision int

const (
	// Stay keeps the current route. Also returned while the session
	// is unresolved: redirecting before that would bounce a restored
	// user through the sign-in screen.
	Stay Decision = iota
	// RedirectToChats sends a signed-in user away from auth screens.
	RedirectToChats
	// RedirectToSignIn sends a signed-out user away from app screens.
	RedirectToSignIn
)

// Evaluate applies the guard matrix.
func Evaluate(session SessionState, group RouteGroup) Decision {
	if session == SessionUnknown {
		return Stay
	}
	if session == SessionSignedIn && group == GroupAuth {
		return RedirectToChats
	}
	if session == SessionSignedOut && group == GroupApp {
		return RedirectToSignIn
	}
	return Stay
}

// Navigator is the routing surface the view-models drive. The shell
// provides the implementation.
type Navigator interface {
	OpenChats()
	OpenSignIn()
	// OpenConversation deep-links into a room, e.g. from a
	// notification tap.
	OpenConversation(conversationID string)
}
