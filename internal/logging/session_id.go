package logging

import "github.com/google/uuid"

// NewSessionID returns a random identifier for tagging a session's log
// entries.
func NewSessionID() string {
	return uuid.NewString()
}
