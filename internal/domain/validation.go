package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrorCode classifies a ValidationError.
type ErrorCode string

const (
	CodeInvalidEventName  ErrorCode = "InvalidEventName"
	CodeInvalidProperties ErrorCode = "InvalidProperties"
	CodeInvalidTimestamp  ErrorCode = "InvalidTimestamp"
	CodeInvalidSite       ErrorCode = "InvalidSite"
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidationError is returned for malformed events before anything else runs.
type ValidationError struct {
	Code   ErrorCode
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return string(e.Code)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Error())
	}
	return string(e.Code) + ": " + strings.Join(parts, "; ")
}

// FieldMap groups field messages by field name (problem+json errors member).
func (e *ValidationError) FieldMap() map[string][]string {
	m := make(map[string][]string, len(e.Fields))
	for _, f := range e.Fields {
		m[f.Field] = append(m[f.Field], f.Msg)
	}
	return m
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var siteIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidIdentifier reports whether s is usable as an event type or property key.
func ValidIdentifier(s string) bool {
	return s != "" && len(s) <= MaxEventTypeLen && identPattern.MatchString(s)
}

// ValidateEvent checks the event name and the shape of its properties.
// It is pure and runs before consent gating or sanitization.
func ValidateEvent(name string, props map[string]any) error {
	switch {
	case name == "":
		return &ValidationError{Code: CodeInvalidEventName, Fields: []FieldError{{"type", "required"}}}
	case len(name) > MaxEventTypeLen:
		return &ValidationError{Code: CodeInvalidEventName, Fields: []FieldError{{"type", fmt.Sprintf("max length %d", MaxEventTypeLen)}}}
	case !identPattern.MatchString(name):
		return &ValidationError{Code: CodeInvalidEventName, Fields: []FieldError{{"type", "must match [A-Za-z0-9_]+"}}}
	}

	if props == nil {
		return &ValidationError{Code: CodeInvalidProperties, Fields: []FieldError{{"properties", "must be an object"}}}
	}
	if len(props) > MaxPropertyCount {
		return &ValidationError{Code: CodeInvalidProperties, Fields: []FieldError{{"properties", fmt.Sprintf("max %d keys", MaxPropertyCount)}}}
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []FieldError
	for _, k := range keys {
		field := "properties." + k
		if !ValidIdentifier(k) {
			errs = append(errs, FieldError{field, "key must match [A-Za-z0-9_]{1,100}"})
			continue
		}
		v := props[k]
		if v == nil {
			errs = append(errs, FieldError{field, "must not be null"})
			continue
		}
		switch reflect.ValueOf(v).Kind() {
		case reflect.Func, reflect.Chan, reflect.UnsafePointer:
			errs = append(errs, FieldError{field, "unsupported value type"})
			continue
		}
		s, err := CanonicalString(v)
		if err != nil {
			errs = append(errs, FieldError{field, "value is not serializable"})
			continue
		}
		if utf8.RuneCountInString(s) > MaxPropertyValueLen {
			errs = append(errs, FieldError{field, fmt.Sprintf("max length %d", MaxPropertyValueLen)})
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Code: CodeInvalidProperties, Fields: errs}
	}
	return nil
}

// ValidateInbound validates a wire event. now is the reference time and skew
// the tolerated clock drift for client timestamps in the future.
func ValidateInbound(ev *InboundEvent, now time.Time, skew time.Duration) error {
	if err := ValidateEvent(ev.Type, ev.Properties); err != nil {
		return err
	}
	if ev.Timestamp != nil && ev.Timestamp.After(now.Add(skew)) {
		return &ValidationError{Code: CodeInvalidTimestamp, Fields: []FieldError{{"timestamp", "must not be in the future (beyond allowed skew)"}}}
	}
	if len(ev.SessionID) > MaxSessionIDLen {
		return &ValidationError{Code: CodeInvalidProperties, Fields: []FieldError{{"sessionId", fmt.Sprintf("max length %d", MaxSessionIDLen)}}}
	}
	return nil
}

// ValidateBatch enforces the batch size cap and validates every item.
// allErrs is index-aligned with events; topErr is non-nil when anything failed.
func ValidateBatch(events []InboundEvent, maxItems int, now time.Time, skew time.Duration) (allErrs []error, topErr error) {
	if len(events) == 0 {
		return nil, errors.New("events: required and must contain at least one item")
	}
	if len(events) > maxItems {
		return nil, fmt.Errorf("events: max %d items", maxItems)
	}
	allErrs = make([]error, len(events))
	var failed bool
	for i := range events {
		if err := ValidateInbound(&events[i], now, skew); err != nil {
			allErrs[i] = err
			failed = true
		}
	}
	if failed {
		return allErrs, errors.New("one or more events failed validation")
	}
	return nil, nil
}

// ValidateSite checks a site registration.
func ValidateSite(s *Site) error {
	var errs []FieldError
	switch {
	case s.SiteID == "":
		errs = append(errs, FieldError{"siteId", "required"})
	case len(s.SiteID) > MaxSiteIDLen:
		errs = append(errs, FieldError{"siteId", fmt.Sprintf("max length %d", MaxSiteIDLen)})
	case !siteIDPattern.MatchString(s.SiteID):
		errs = append(errs, FieldError{"siteId", "must match [A-Za-z0-9_-]+"})
	}
	if s.Name == "" {
		errs = append(errs, FieldError{"name", "required"})
	} else if len(s.Name) > MaxSiteNameLen {
		errs = append(errs, FieldError{"name", fmt.Sprintf("max length %d", MaxSiteNameLen)})
	}
	if len(s.Domain) > MaxSiteDomainLen {
		errs = append(errs, FieldError{"domain", fmt.Sprintf("max length %d", MaxSiteDomainLen)})
	}
	if s.RetentionDays < 0 || s.RetentionDays > MaxRetentionDays {
		errs = append(errs, FieldError{"retentionDays", fmt.Sprintf("must be between 0 and %d", MaxRetentionDays)})
	}
	if len(errs) > 0 {
		return &ValidationError{Code: CodeInvalidSite, Fields: errs}
	}
	return nil
}

// CanonicalString is the string form used for length checks and hashing:
// strings as-is, everything else as compact JSON.
func CanonicalString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
