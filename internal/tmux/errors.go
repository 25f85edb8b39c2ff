package tmux

import "errors"

var (
	// ErrSessionNotFound means the task has no live tmux session.
	ErrSessionNotFound = errors.New("tmux session not found")

	// ErrSessionAlreadyExists means create was called for a live session.
	ErrSessionAlreadyExists = errors.New("tmux session already exists")

	// ErrCaptureTimeout means capture-pane did not return in time.
	ErrCaptureTimeout = errors.New("tmux capture timed out")
)

// stderr fragments tmux prints when the target session is gone.
var notFoundMarkers = []string{
	"can't find session",
	"session not found",
	"no server running",
	"can't find pane",
	"error connecting to",
}

func isNotFoundOutput(out string) bool {
	for _, m := range notFoundMarkers {
		if containsFold(out, m) {
			return true
		}
	}
	return false
}
