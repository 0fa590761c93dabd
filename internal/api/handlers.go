// Package api exposes HTTP handlers for the wearable integration service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/wearables/internal/auth"
	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/healthsync"
	"example.com/wearables/internal/integration"
	"example.com/wearables/internal/persistence"
)

// Syncer runs an on-demand sync for a connection.
type Syncer interface {
	Sync(ctx context.Context, connectionID string) (healthsync.Result, error)
}

// Handler coordinates HTTP requests with the integration service and the
// sync engine.
type Handler struct {
	service *integration.Service
	syncer  Syncer
	logger  *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *integration.Service, syncer Syncer, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(log.Writer(), "[api] ", log.LstdFlags|log.Lshortfile)
	}
	return &Handler{service: service, syncer: syncer, logger: logger}
}

// CallbackPath is reached by provider redirects, without a bearer token.
const CallbackPath = "/v1/integrations/callback"

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/integrations/authorize", h.authorize)
	mux.HandleFunc("GET "+CallbackPath, h.callback)
	mux.HandleFunc("POST /v1/integrations/sync", h.sync)
	mux.HandleFunc("GET /v1/integrations", h.listConnections)
	mux.HandleFunc("DELETE /v1/integrations/{provider}", h.revoke)
	mux.HandleFunc("GET /v1/health-records", h.listHealthRecords)
	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeIntegrationsWrite)
	if !ok {
		return
	}

	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "unable to parse body")
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	authURL, err := h.service.StartAuthorization(r.Context(), claims.Subject, req.Provider)
	if err != nil {
		h.logger.Printf("authorize provider=%s user=%s: %v", req.Provider, claims.Subject, err)
		writeError(w, http.StatusBadRequest, domain.PublicMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, AuthorizeResponse{AuthURL: authURL})
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	target := h.service.HandleCallback(r.Context(), r.URL.Query())
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeIntegrationsWrite)
	if !ok {
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "unable to parse body")
		return
	}
	if strings.TrimSpace(req.ConnectionID) == "" {
		writeError(w, http.StatusBadRequest, "connectionId is required")
		return
	}

	conn, err := h.service.AuthorizeConnection(r.Context(), claims.Subject, req.ConnectionID)
	if err != nil {
		h.logger.Printf("sync connection=%s user=%s: %v", req.ConnectionID, claims.Subject, err)
		writeError(w, http.StatusBadRequest, domain.PublicMessage(err))
		return
	}

	result, err := h.syncer.Sync(r.Context(), conn.ID)
	if err != nil {
		h.logger.Printf("sync connection=%s: %v", conn.ID, err)
		writeError(w, http.StatusBadRequest, domain.PublicMessage(err))
		return
	}

	failed := result.Failures
	if failed == nil {
		failed = []string{}
	}
	writeJSON(w, http.StatusOK, SyncResponse{Success: true, DataPoints: result.DataPoints, FailedEndpoints: failed})
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeIntegrationsRead, auth.ScopeIntegrationsWrite)
	if !ok {
		return
	}

	conns, err := h.service.ListConnections(r.Context(), claims.Subject)
	if err != nil {
		h.respondError(w, "list connections", err, http.StatusInternalServerError)
		return
	}

	items := make([]ConnectionView, 0, len(conns))
	for _, conn := range conns {
		items = append(items, toConnectionView(conn))
	}
	writeJSON(w, http.StatusOK, ListConnectionsResponse{Items: items})
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeIntegrationsWrite)
	if !ok {
		return
	}

	if err := h.service.Revoke(r.Context(), claims.Subject, r.PathValue("provider")); err != nil {
		h.respondError(w, "revoke", err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listHealthRecords(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeHealthRead)
	if !ok {
		return
	}

	query := r.URL.Query()
	var filter domain.RecordFilter
	if raw := query.Get("dataType"); raw != "" {
		dataType, err := domain.ParseDataType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.DataType = dataType
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}
	filter.Limit = persistence.ClampLimit(limit)

	cursor, err := persistence.DecodeCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	filter.Cursor = cursor

	records, next, err := h.service.ListHealthRecords(r.Context(), claims.Subject, filter)
	if err != nil {
		h.respondError(w, "list health records", err, http.StatusInternalServerError)
		return
	}

	items := make([]HealthRecordView, 0, len(records))
	for _, rec := range records {
		items = append(items, toHealthRecordView(rec))
	}
	writeJSON(w, http.StatusOK, ListHealthRecordsResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

// respondError maps domain errors to a status; anything unclassified gets
// fallback and is logged.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error, fallback int) {
	var (
		profileErr *domain.ProfileNotFoundError
		status     = fallback
	)
	switch {
	case errors.Is(err, domain.ErrConnectionNotFound), errors.As(err, &profileErr):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownProvider), errors.Is(err, domain.ErrConnectionInactive), errors.Is(err, domain.ErrNativeAppRequired):
		status = http.StatusBadRequest
	default:
		h.logger.Printf("%s: %v", op, err)
	}
	writeError(w, status, domain.PublicMessage(err))
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}
	if !claims.HasAnyScope(scopes...) {
		writeError(w, http.StatusForbidden, "scope "+scopes[0]+" required")
		return nil, false
	}
	return claims, true
}

// AuthorizeRequest is the payload for POST /v1/integrations/authorize.
type AuthorizeRequest struct {
	Provider string `json:"provider"`
}

// AuthorizeResponse carries the provider consent URL.
type AuthorizeResponse struct {
	AuthURL string `json:"authUrl"`
}

// SyncRequest is the payload for POST /v1/integrations/sync.
type SyncRequest struct {
	ConnectionID string `json:"connectionId"`
}

// SyncResponse reports the outcome of an on-demand sync.
type SyncResponse struct {
	Success         bool     `json:"success"`
	DataPoints      int      `json:"dataPoints"`
	FailedEndpoints []string `json:"failedEndpoints"`
}

// ConnectionView exposes a connection without its credentials.
type ConnectionView struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	Status         string     `json:"status"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
	ConnectedAt    time.Time  `json:"connectedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// ListConnectionsResponse packages the caller's connections.
type ListConnectionsResponse struct {
	Items []ConnectionView `json:"items"`
}

// HealthRecordView is one stored daily value.
type HealthRecordView struct {
	ID         string  `json:"id"`
	DataType   string  `json:"dataType"`
	RecordedAt string  `json:"recordedAt"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Source     string  `json:"source"`
}

// ListHealthRecordsResponse packages a page of health records.
type ListHealthRecordsResponse struct {
	Items      []HealthRecordView `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toConnectionView(conn domain.Connection) ConnectionView {
	return ConnectionView{
		ID:             conn.ID,
		Provider:       string(conn.Provider),
		Status:         string(conn.Status()),
		LastSyncedAt:   conn.LastSyncedAt,
		TokenExpiresAt: conn.TokenExpiresAt,
		ConnectedAt:    conn.CreatedAt,
		UpdatedAt:      conn.UpdatedAt,
	}
}

func toHealthRecordView(rec domain.HealthRecord) HealthRecordView {
	return HealthRecordView{
		ID:         rec.ID,
		DataType:   string(rec.DataType),
		RecordedAt: rec.RecordedAt.UTC().Format(time.DateOnly),
		Value:      rec.Value,
		Unit:       rec.Unit,
		Source:     string(rec.Source),
	}
}
