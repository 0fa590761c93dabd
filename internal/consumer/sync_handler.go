package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"example.com/wearables/internal/events"
	"example.com/wearables/internal/healthsync"
)

// Syncer runs one sync for a connection.
type Syncer interface {
	Sync(ctx context.Context, connectionID string) (healthsync.Result, error)
}

// SyncRequestHandler turns wearable.sync_requested events into sync runs.
type SyncRequestHandler struct {
	syncer Syncer
	logger *log.Logger
}

// NewSyncRequestHandler constructs the handler.
func NewSyncRequestHandler(syncer Syncer, logger *log.Logger) *SyncRequestHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[sync-worker] ", log.LstdFlags|log.Lshortfile)
	}
	return &SyncRequestHandler{syncer: syncer, logger: logger}
}

// Handle runs the requested sync. Events of other types are ignored.
// Terminal failures (connection gone, revoked, native-only or unconfigured
// provider) are logged and acknowledged; anything else is returned so the
// processor retries the message.
func (h *SyncRequestHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeSyncRequested {
		return nil
	}

	var req events.SyncRequested
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		h.logger.Printf("discarding malformed sync request at offset %d: %v", msg.Offset, err)
		recordSyncOutcome("unknown", "malformed")
		return nil
	}
	if req.ConnectionID == "" {
		h.logger.Printf("discarding sync request without connection id at offset %d", msg.Offset)
		recordSyncOutcome(req.Reason, "malformed")
		return nil
	}

	result, err := h.syncer.Sync(ctx, req.ConnectionID)
	switch {
	case err == nil:
	case healthsync.IsTerminal(err):
		h.logger.Printf("skipping sync for %s: %v", req.ConnectionID, err)
		recordSyncOutcome(req.Reason, "skipped")
		return nil
	default:
		recordSyncOutcome(req.Reason, "failed")
		return fmt.Errorf("sync connection %s: %w", req.ConnectionID, err)
	}

	outcome := "ok"
	if len(result.Failures) > 0 {
		outcome = "partial"
	}
	recordSyncOutcome(req.Reason, outcome)
	h.logger.Printf("synced %s (%s): %d data points, %d failed endpoints", req.ConnectionID, req.Reason, result.DataPoints, len(result.Failures))
	return nil
}
