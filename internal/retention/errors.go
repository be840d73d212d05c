package retention

import (
	"errors"
	"fmt"
)

// ErrSweepInProgress is returned by RunOnce while another run is active.
var ErrSweepInProgress = errors.New("retention: sweep already in progress")

// ErrInvalidErasure is returned when an erasure request names no subject or both.
var ErrInvalidErasure = errors.New("retention: erasure needs exactly one of userId or sessionId")

// SweepError is a failed deletion for one site. The sweep continues past it.
type SweepError struct {
	SiteID string
	Err    error
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("retention: sweep site %s: %v", e.SiteID, e.Err)
}

func (e *SweepError) Unwrap() error { return e.Err }
