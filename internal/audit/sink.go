package audit

import (
	"context"
	"log/slog"
)

// Sink receives audit records. Implementations must not fail the
// caller: a command that ran must report its outcome regardless of
// whether the audit write succeeded.
type Sink interface {
	// Record appends a and returns its ID, or "" if it was not stored.
	Record(ctx context.Context, a *Action) string

	// Checkpoint captures a rollback point for the action with
	// actionID. It is a no-op when actionID is empty.
	Checkpoint(ctx context.Context, actionID string, states map[string]EntitySnapshot, description string)
}

// FailureCounter counts audit writes that were dropped.
type FailureCounter interface {
	AuditWriteFailed(op string)
}

// BestEffort is a [Sink] over a [Ledger] that logs and counts write
// failures instead of returning them.
type BestEffort struct {
	ledger   *Ledger
	logger   *slog.Logger
	failures FailureCounter
}

// NewBestEffort wraps ledger. failures may be nil.
func NewBestEffort(ledger *Ledger, logger *slog.Logger, failures FailureCounter) *BestEffort {
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffort{ledger: ledger, logger: logger, failures: failures}
}

// Record implements [Sink].
func (b *BestEffort) Record(ctx context.Context, a *Action) string {
	if err := b.ledger.LogAction(ctx, a); err != nil {
		b.fail("log_action", err, "service", a.Service, "entity_id", a.EntityID)
		return ""
	}
	return a.ID
}

// Checkpoint implements [Sink].
func (b *BestEffort) Checkpoint(ctx context.Context, actionID string, states map[string]EntitySnapshot, description string) {
	if actionID == "" {
		return
	}
	if _, err := b.ledger.CreateRollbackPoint(ctx, actionID, states, description); err != nil {
		b.fail("rollback_point", err, "action_id", actionID)
	}
}

func (b *BestEffort) fail(op string, err error, attrs ...any) {
	b.logger.Error("audit write failed", append([]any{"op", op, "error", err}, attrs...)...)
	if b.failures != nil {
		b.failures.AuditWriteFailed(op)
	}
}
