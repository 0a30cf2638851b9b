package coorderrors

import (
	"errors"
	"fmt"
)

var (
	ErrStorageCorruption = errors.New("scarabd: counter storage corrupted")
	ErrUnavailable       = errors.New("scarabd: no quorum")
	ErrResourceExhausted = errors.New("scarabd: resource exhausted")
	ErrStaleTerm         = errors.New("scarabd: stale term")
	ErrNotFound          = errors.New("scarabd: counter not found")
	ErrInvalidArgument   = errors.New("scarabd: invalid argument")
	ErrClosed            = errors.New("scarabd: closed")
)

// NotLeaderError is returned when a request lands on a node that does not
// own the counter. OwnerHint carries the owner's address when membership
// can resolve it, so the client can retry against the right node.
type NotLeaderError struct {
	Counter   string
	Owner     uint64
	OwnerHint string
}

func (e *NotLeaderError) Error() string {
	if e.OwnerHint != "" {
		return fmt.Sprintf("not leader for counter %q, owner is node %d at %s", e.Counter, e.Owner, e.OwnerHint)
	}
	return fmt.Sprintf("not leader for counter %q, owner is node %d", e.Counter, e.Owner)
}

// AsNotLeader unwraps err into a NotLeaderError if it is one.
func AsNotLeader(err error) (*NotLeaderError, bool) {
	var nl *NotLeaderError
	if errors.As(err, &nl) {
		return nl, true
	}
	return nil, false
}
