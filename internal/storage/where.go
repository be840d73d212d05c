package storage

import (
	"strconv"
	"strings"
	"time"
)

// Dialect captures the SQL differences between the sql backends.
type Dialect struct {
	Placeholder func(n int) string
	// Time converts a timestamp into the column representation.
	Time func(t time.Time) any
}

var (
	Postgres = Dialect{
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		Time:        func(t time.Time) any { return t.UTC() },
	}
	// SQLite stores timestamps as unix milliseconds.
	SQLite = Dialect{
		Placeholder: func(int) string { return "?" },
		Time:        func(t time.Time) any { return t.UTC().UnixMilli() },
	}
)

// Where accumulates ANDed conditions and their positional arguments.
type Where struct {
	d     Dialect
	conds []string
	args  []any
}

func NewWhere(d Dialect) *Where { return &Where{d: d} }

// Arg registers v and returns its placeholder.
func (w *Where) Arg(v any) string {
	w.args = append(w.args, v)
	return w.d.Placeholder(len(w.args))
}

// Eq adds "col = ?".
func (w *Where) Eq(col string, v any) *Where {
	w.conds = append(w.conds, col+" = "+w.Arg(v))
	return w
}

// Cmp adds "col op ?" with v converted by the dialect's time encoding.
func (w *Where) Cmp(col, op string, t time.Time) *Where {
	w.conds = append(w.conds, col+" "+op+" "+w.Arg(w.d.Time(t)))
	return w
}

// In adds "col IN (...)". An empty vals adds nothing.
func (w *Where) In(col string, vals []string) *Where {
	if len(vals) == 0 {
		return w
	}
	ph := make([]string, len(vals))
	for i, v := range vals {
		ph[i] = w.Arg(v)
	}
	w.conds = append(w.conds, col+" IN ("+strings.Join(ph, ", ")+")")
	return w
}

// String renders " WHERE ..." or "".
func (w *Where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *Where) Args() []any { return w.args }

// FilterWhere translates f into conditions on the events table.
func FilterWhere(d Dialect, f EventFilter) *Where {
	w := NewWhere(d).Eq("site_id", f.SiteID)
	if !f.From.IsZero() {
		w.Cmp("ts", ">=", f.From)
	}
	if !f.To.IsZero() {
		w.Cmp("ts", "<=", f.To)
	}
	return w.In("type", f.Types)
}

// PredicateWhere translates p into conditions on the events table.
func PredicateWhere(d Dialect, p EventPredicate) *Where {
	w := NewWhere(d).Eq("site_id", p.SiteID)
	if !p.Before.IsZero() {
		w.Cmp("ts", "<", p.Before)
	}
	if p.UserKey != "" {
		w.Eq("user_key", p.UserKey)
	}
	if p.SessionKey != "" {
		w.Eq("session_key", p.SessionKey)
	}
	return w
}
