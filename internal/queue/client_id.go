package queue

import (
	"bizmsg/internal/constants"

	"github.com/google/uuid"
)

// NewClientID returns "local_" followed by a UUIDv7: 48 bits of millisecond time
// followed by random bits, so ids sort by creation time and never collide on a
// coarse clock.
func NewClientID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return constants.ClientIDPrefix + id.String()
}
