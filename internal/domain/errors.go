package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidDescriptor   = errors.New("invalid media descriptor")
	ErrUnsupportedProtocol = errors.New("protocol not supported")
	ErrFileURLsDisabled    = errors.New("file URLs are not allowed")
	ErrEmptySelection      = errors.New("no media files found")
	ErrMetadataTimeout     = errors.New("metadata fetch stalled")
	ErrStalled             = errors.New("download stalled")
	ErrObjectNotFound      = errors.New("object not found")
	ErrJobNotFound         = errors.New("job not found")
)

// StallCode is the error code reported for stalled transfers.
const StallCode = "ERRDLSTALL"

// StallError reports a transfer whose progress froze for a full watchdog
// interval.
type StallError struct {
	JobID    string
	Progress float64
	Since    time.Time
}

func (e *StallError) Error() string {
	return fmt.Sprintf("%s: job %s stuck at %.2f%% since %s",
		ErrStalled, e.JobID, e.Progress*100, e.Since.Format(time.RFC3339))
}

// Code returns StallCode.
func (e *StallError) Code() string { return StallCode }

func (e *StallError) Unwrap() error { return ErrStalled }

// IsStall reports whether err is a stalled transfer.
func IsStall(err error) bool {
	return errors.Is(err, ErrStalled)
}

// IsPermanent reports whether retrying the same message cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidDescriptor) ||
		errors.Is(err, ErrUnsupportedProtocol) ||
		errors.Is(err, ErrFileURLsDisabled) ||
		errors.Is(err, ErrEmptySelection)
}
