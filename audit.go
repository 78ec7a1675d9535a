package reploid

import (
	"context"
	"log/slog"
)

// Audit event types persisted by every AuditLogger implementation.
const (
	AuditToolExec         = "TOOL_EXEC"
	AuditToolDenied       = "TOOL_PERMISSION_DENIED"
	AuditToolRejected     = "TOOL_REJECTED"
	AuditWorkerSpawn      = "WORKER_SPAWN"
	AuditSubstrateChange  = "SUBSTRATE_CHANGE"
	AuditArenaCompetition = "ARENA_COMPETITION"
)

// AuditRecord is one append-only audit entry.
type AuditRecord struct {
	EventType string         `json:"event_type"`
	Timestamp int64          `json:"timestamp"` // Unix milliseconds
	Level     string         `json:"level"`     // "info", "warn", "error"
	Payload   map[string]any `json:"payload,omitempty"`
}

// AuditLogger persists audit records. Implementations are append-only;
// store/sqlite and store/postgres provide durable backends.
type AuditLogger interface {
	Log(ctx context.Context, rec AuditRecord) error
}

// NopAudit discards all records. Used when no audit backend is configured.
type NopAudit struct{}

func (NopAudit) Log(context.Context, AuditRecord) error { return nil }

// SlogAudit writes audit records to a structured logger. Suitable for
// development; production deployments use a durable store.
type SlogAudit struct {
	Logger *slog.Logger
}

func (a SlogAudit) Log(_ context.Context, rec AuditRecord) error {
	a.Logger.Info("audit", "event_type", rec.EventType, "level", rec.Level, "payload", rec.Payload)
	return nil
}

// auditInfo is a convenience for components holding an optional logger.
func auditInfo(ctx context.Context, a AuditLogger, eventType string, payload map[string]any) {
	if a == nil {
		return
	}
	_ = a.Log(ctx, AuditRecord{EventType: eventType, Timestamp: NowUnixMilli(), Level: "info", Payload: payload})
}

func auditError(ctx context.Context, a AuditLogger, eventType string, payload map[string]any) {
	if a == nil {
		return
	}
	_ = a.Log(ctx, AuditRecord{EventType: eventType, Timestamp: NowUnixMilli(), Level: "error", Payload: payload})
}
