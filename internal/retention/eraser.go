package retention

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/idmcalculus/Simplitics/internal/audit"
	"github.com/idmcalculus/Simplitics/internal/notify"
	"github.com/idmcalculus/Simplitics/internal/storage"
	"github.com/idmcalculus/Simplitics/internal/vault"
)

// ErasureRequest names one data subject of a site. Exactly one of UserID or
// SessionID is set, in plaintext.
type ErasureRequest struct {
	SiteID    string
	UserID    string
	SessionID string
}

// ErasureResult is what an erasure removed.
type ErasureResult struct {
	RequestID string `json:"requestId"`
	Subject   string `json:"subject"`
	Deleted   int64  `json:"deleted"`
}

// Eraser deletes every event of a data subject by its blind index.
type Eraser struct {
	repo   storage.Repository
	hasher *vault.Hasher
	deps   Deps
}

func NewEraser(repo storage.Repository, hasher *vault.Hasher, deps Deps) *Eraser {
	deps.defaults("erasure")
	return &Eraser{repo: repo, hasher: hasher, deps: deps}
}

func (e *Eraser) Erase(ctx context.Context, req ErasureRequest) (ErasureResult, error) {
	userID := vault.NormalizeIdentifier(req.UserID)
	sessionID := vault.NormalizeIdentifier(req.SessionID)
	if req.SiteID == "" || (userID == "") == (sessionID == "") {
		return ErasureResult{}, ErrInvalidErasure
	}

	pred := storage.EventPredicate{SiteID: req.SiteID}
	res := ErasureResult{RequestID: uuid.NewString()}
	if userID != "" {
		pred.UserKey = e.hasher.HashIdentifier(userID)
		res.Subject = "user"
	} else {
		pred.SessionKey = e.hasher.HashIdentifier(sessionID)
		res.Subject = "session"
	}

	n, err := e.repo.DeleteEvents(ctx, pred)
	if err != nil {
		return ErasureResult{}, fmt.Errorf("retention: erase %s events of site %s: %w", res.Subject, req.SiteID, err)
	}
	res.Deleted = n

	e.deps.Metrics.EventsErased(ctx, req.SiteID, n)
	e.deps.Logger.Info("erasure completed",
		"request_id", res.RequestID,
		"site_id", req.SiteID,
		"subject", res.Subject,
		"deleted", n,
	)

	payload := notify.ErasureDone{RequestID: res.RequestID, SiteID: req.SiteID, Subject: res.Subject, Deleted: n}
	octx := context.WithoutCancel(ctx)
	if err := e.deps.Audit.Write(octx, audit.Record{Kind: audit.KindErasure, ID: res.RequestID, At: e.deps.Clock().UTC(), Payload: payload}); err != nil {
		e.deps.Logger.Warn("audit write failed", "request_id", res.RequestID, "err", err)
	}
	if err := e.deps.Publisher.Publish(octx, notify.TopicErasureDone, payload); err != nil {
		e.deps.Logger.Warn("publish erasure notification failed", "request_id", res.RequestID, "err", err)
	}
	return res, nil
}
