package coordinator

import "errors"

// Common errors
var (
	ErrNoParticipants = errors.New("transaction needs at least one participant")
)
