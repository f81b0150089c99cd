package nav

import "testing"

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		session SessionState
		group   RouteGroup
		want    Decision
	}{
		{"unresolved session stays on auth", SessionUnknown, GroupAuth, Stay},
		{"unresolved session stays on app", SessionUnknown, GroupApp, Stay},
		{"signed-in leaves auth screens", SessionSignedIn, GroupAuth, RedirectToChats},
		{"signed-in stays on app screens", SessionSignedIn, GroupApp, Stay},
		{"signed-out stays on auth screens", SessionSignedOut, GroupAuth, Stay},
		{"signed-out leaves app screens", SessionSignedOut, GroupApp, RedirectToSignIn},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Evaluate(tc.session, tc.group); got != tc.want {
				t.Errorf("Evaluate(%s, %d) = %d, want %d", tc.session, tc.group, got, tc.want)
			}
		})
	}
}
