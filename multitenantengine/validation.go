package multitenantengine

import (
	"errors"
	"fmt"
	"regexp"
)

const maxWorkspaceIDLength = 64

// ErrInvalidWorkspaceID is returned for ids that cannot name a workspace
var ErrInvalidWorkspaceID = errors.New("invalid workspace id")

// workspace ids are opaque tokens: hex object ids in practice, but any
// url-safe identifier is accepted
var validWorkspaceID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]*$`)

// ValidateWorkspaceID checks that an id is usable as a cache and storage key
func ValidateWorkspaceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidWorkspaceID)
	}
	if len(id) > maxWorkspaceIDLength {
		return fmt.Errorf("%w: length %d exceeds maximum of %d characters", ErrInvalidWorkspaceID, len(id), maxWorkspaceIDLength)
	}
	if !validWorkspaceID.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidWorkspaceID, id, validWorkspaceID)
	}
	return nil
}
