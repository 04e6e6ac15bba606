package audit

import (
	"context"

	"github.com/Mohan-38/docgrant/internal/grant"
	"github.com/Mohan-38/docgrant/internal/obs"
)

// Recorder persists every verification attempt and mirrors it to the audit
// log stream. It absorbs store failures: a broken audit store must not turn
// an access decision into an error.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Record(ctx context.Context, a grant.Attempt) {
	if err := r.store.Append(ctx, a); err != nil {
		obs.Error("audit append failed", map[string]any{
			"grant_id": a.GrantID,
			"error":    err.Error(),
		})
	}

	fields := map[string]any{
		"grant_id": a.GrantID,
		"identity": a.Identity,
		"success":  a.Success,
	}
	if a.Reason != "" {
		fields["reason"] = string(a.Reason)
	}
	if a.IP != "" {
		fields["ip"] = a.IP
	}
	_ = LogEvent(ctx, "access.attempt", fields)
}
