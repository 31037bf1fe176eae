package model

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a job identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewArtifactID generates a 32 character hex identifier for an artifact.
func NewArtifactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
