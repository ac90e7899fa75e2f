package system

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/oklog/ulid/v2"
)

const (
	CommandPrefix = "cmd_"
	ViewerPrefix  = "view_"
)

func GenerateUUID() string {
	return uuid.New().String()
}

func newID() string {
	return strings.ToLower(ulid.Make().String())
}

// GenerateCommandID returns a sortable command ID so oldest-first queue
// scans match insertion order even within the same millisecond.
func GenerateCommandID() string {
	return fmt.Sprintf("%s%s", CommandPrefix, newID())
}

// GenerateViewerID returns a short ID for a viewer connection. Viewer IDs
// are never persisted so they only need to be unique per process lifetime.
func GenerateViewerID() string {
	id, err := gonanoid.New()
	if err != nil {
		// only happens when the entropy source is broken
		return fmt.Sprintf("%s%s", ViewerPrefix, newID())
	}
	return fmt.Sprintf("%s%s", ViewerPrefix, id)
}
