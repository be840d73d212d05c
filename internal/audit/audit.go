// Package audit records what the retention sweeper and erasure requests
// deleted. Records never contain event properties or identifiers.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Record kinds
const (
	KindSweep   = "retention-sweep"
	KindErasure = "gdpr-erasure"
)

// Record is one audit entry. Payload is JSON encoded as is.
type Record struct {
	Kind    string    `json:"kind"`
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Sink is the interface for an audit target (log, S3, etc.).
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

func encode(rec Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode audit record %s/%s: %w", rec.Kind, rec.ID, err)
	}
	return b, nil
}

// LogSink writes records to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With(slog.String("component", "audit"))}
}

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	b, err := encode(rec)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "audit record",
		slog.String("kind", rec.Kind),
		slog.String("id", rec.ID),
		slog.String("record", string(b)),
	)
	return nil
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
