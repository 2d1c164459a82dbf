package tbup

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSessionInvalid means the account credentials were rejected. Fatal for the run.
	ErrSessionInvalid = errors.New("session is not valid")

	// ErrNotFound is returned by a remote listing when the directory does not exist.
	ErrNotFound = errors.New("remote path not found")

	// ErrRapidUploadDenied means the service refuses this rapid upload mode for the account.
	ErrRapidUploadDenied = errors.New("rapid upload not permitted")

	// ErrRapidUploadMiss means the service does not hold matching content.
	ErrRapidUploadMiss = errors.New("rapid upload content not found")

	// ErrIntegrity is a block acknowledgement that does not match the expected hash.
	ErrIntegrity = errors.New("block hash mismatch")

	// ErrSizeMismatch is a committed object whose size differs from the local size.
	ErrSizeMismatch = errors.New("committed size mismatch")

	// ErrStalled means no request bytes were sent within the idle timeout.
	ErrStalled = errors.New("transfer stalled")
)

// APIError is a non-zero errno reported by the remote service.
type APIError struct {
	Op    string
	Errno int
	Msg   string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: errno %d: %s", e.Op, e.Errno, e.Msg)
	}
	return fmt.Sprintf("%s: errno %d", e.Op, e.Errno)
}

// IsIntegrity reports whether err is an integrity fault for the file.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity) || errors.Is(err, ErrSizeMismatch)
}

// IsTransient reports whether err is a network-level fault that a later run may not hit.
func IsTransient(err error) bool {
	if err == nil || IsIntegrity(err) || errors.Is(err, ErrSessionInvalid) {
		return false
	}
	if errors.Is(err, ErrStalled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}
