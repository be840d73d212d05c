package transporthttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/ingest"
	"github.com/idmcalculus/Simplitics/internal/retention"
	"github.com/idmcalculus/Simplitics/internal/sites"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

// Problem is an RFC 7807 problem document.
type Problem struct {
	Type     string              `json:"type,omitempty"`
	Title    string              `json:"title,omitempty"`
	Status   int                 `json:"status,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
	Meta     map[string]any      `json:"meta,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, errs map[string][]string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Errors: errs,
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain and storage errors to problem responses. Anything
// unrecognized is logged and reported as a 500 without details.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		ve *domain.ValidationError
		be *ingest.BatchError
	)
	switch {
	case errors.As(err, &be):
		prob := map[string][]string{}
		for i, item := range be.Items {
			if !errors.As(item, &ve) {
				continue
			}
			k := "events[" + strconv.Itoa(i) + "]"
			for _, fe := range ve.Fields {
				prob[k+"."+fe.Field] = append(prob[k+"."+fe.Field], fe.Msg)
			}
		}
		WriteProblem(w, http.StatusBadRequest, "validation failed", be.Error(), prob)
	case errors.As(err, &ve):
		WriteProblem(w, http.StatusBadRequest, "validation failed", string(ve.Code), ve.FieldMap())
	case errors.Is(err, sites.ErrUnauthorized):
		WriteProblem(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key", nil)
	case errors.Is(err, storage.ErrNotFound):
		WriteProblem(w, http.StatusNotFound, "not found", "", nil)
	case errors.Is(err, storage.ErrDuplicateSite):
		WriteProblem(w, http.StatusConflict, "conflict", "site already exists", nil)
	case errors.Is(err, retention.ErrInvalidErasure):
		WriteProblem(w, http.StatusBadRequest, "invalid erasure request", err.Error(), nil)
	default:
		logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		WriteProblem(w, http.StatusInternalServerError, "internal error", "", nil)
	}
}
