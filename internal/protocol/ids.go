package protocol

import "github.com/google/uuid"

// NewID returns prefix_uuid, or a bare uuid when prefix is empty.
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
