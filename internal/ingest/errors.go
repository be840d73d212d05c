package ingest

import "fmt"

// DeliveryError reports events that were accepted but could not be stored.
// They are logged and dropped, never retried.
type DeliveryError struct {
	Count int
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("ingest: delivery of %d event(s) failed: %v", e.Count, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// BatchError is returned when a batch fails validation. Items is
// index-aligned with the submitted events; nil entries were valid.
type BatchError struct {
	Items []error
	Err   error
}

func (e *BatchError) Error() string { return e.Err.Error() }

func (e *BatchError) Unwrap() error { return e.Err }
