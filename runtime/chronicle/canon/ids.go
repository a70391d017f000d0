package canon

import "github.com/google/uuid"

// NewEventID returns a UUIDv7 chat-event id. Ordering by id approximates
// ordering by creation time, per §3's invariant.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/entropy source is broken;
		// fall back to a random v4 rather than panic on a logging path.
		return uuid.NewString()
	}
	return id.String()
}
