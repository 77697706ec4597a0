package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/credentialmate/rules/pkg/contracts"
	"github.com/credentialmate/rules/pkg/engine"
	"github.com/credentialmate/rules/pkg/observability"
	"github.com/credentialmate/rules/pkg/rulepack"
	"github.com/credentialmate/rules/pkg/store"
)

// Server wires the evaluation engine and its stores behind HTTP handlers.
type Server struct {
	engine *engine.Engine
	packs  rulepack.Store
	store  store.Store
	logger *slog.Logger
	obs    *observability.Provider
}

// NewServer creates the handler set. The logger must not be nil; obs may be
// nil to serve without telemetry.
func NewServer(eng *engine.Engine, packs rulepack.Store, st store.Store, logger *slog.Logger, obs *observability.Provider) *Server {
	return &Server{engine: eng, packs: packs, store: st, logger: logger, obs: obs}
}

// track opens a telemetry span for one operation. The returned func is
// always safe to call.
func (s *Server) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if s.obs == nil {
		return ctx, func(error) {}
	}
	return s.obs.TrackRun(ctx, name, attrs...)
}

// Routes builds the service mux. The rate limiter is optional; pass nil to
// serve unthrottled (tests, single-tenant deployments).
func (s *Server) Routes(limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.HandleHealth)
	mux.HandleFunc("/api/v1/rules", s.HandleGetPack)
	mux.HandleFunc("/api/v1/rules/versions", s.HandleListVersions)
	mux.HandleFunc("/api/v1/rules/recalculate", s.HandleRecalculate)
	mux.HandleFunc("/api/v1/rules/recalculate/batch", s.HandleBatch)
	mux.HandleFunc("/api/v1/rules/windows", s.HandleGetWindow)
	mux.HandleFunc("/api/v1/rules/execution-logs", s.HandleListLog)
	mux.HandleFunc("/api/v1/rules/execution-logs/verify", s.HandleVerifyLog)

	if limiter == nil {
		return mux
	}
	return limiter.Middleware(mux)
}

// HandleHealth handles the /healthz endpoint.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleListVersions handles GET /api/v1/rulepacks/versions?type=license.
func (s *Server) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	ruleType := contracts.RuleType(r.URL.Query().Get("type"))
	if !ruleType.Valid() {
		WriteBadRequest(w, "Unknown or missing rule type")
		return
	}

	versions, err := s.packs.ListVersions(r.Context(), ruleType)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"rule_type": ruleType,
		"versions":  versions,
	})
}

// HandleGetPack handles GET /api/v1/rulepacks?type=license&version=3.
func (s *Server) HandleGetPack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	ruleType := contracts.RuleType(r.URL.Query().Get("type"))
	if !ruleType.Valid() {
		WriteBadRequest(w, "Unknown or missing rule type")
		return
	}
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil || version <= 0 {
		WriteBadRequest(w, "Missing or invalid version")
		return
	}

	pack, err := s.packs.Load(r.Context(), ruleType, version)
	if err != nil {
		if errors.Is(err, rulepack.ErrNotFound) {
			WriteNotFound(w, "Rule pack version not published")
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pack)
}

// RecalculateRequest is the body of POST /api/v1/recalculate. All four pack
// versions must be pinned explicitly.
type RecalculateRequest struct {
	Snapshot contracts.ProviderSnapshot `json:"provider_snapshot"`
	Pins     contracts.VersionPins      `json:"rule_pack_versions"`
	AsOf     contracts.Date             `json:"as_of"`
}

// RecalculateResponse carries the committed window and its log entry.
type RecalculateResponse struct {
	Window *contracts.ComplianceWindow  `json:"compliance_window"`
	Entry  *contracts.ExecutionLogEntry `json:"execution_log_entry"`
}

// HandleRecalculate handles POST /api/v1/recalculate.
func (s *Server) HandleRecalculate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 4<<20) // 4MB limit
	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	ctx, done := s.track(r.Context(), "recalculate",
		attribute.String("provider_id", req.Snapshot.ProviderID),
	)
	window, entry, err := s.engine.Recalculate(ctx, req.Snapshot, req.Pins, req.AsOf)
	done(err)
	if err != nil {
		s.writeEvaluationError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(RecalculateResponse{Window: window, Entry: entry})
}

// BatchRequest is the body of POST /api/v1/recalculate/batch. One pin set
// covers the whole batch so every provider is evaluated against the same
// rule versions.
type BatchRequest struct {
	Snapshots []contracts.ProviderSnapshot `json:"provider_snapshots"`
	Pins      contracts.VersionPins        `json:"rule_pack_versions"`
	AsOf      contracts.Date               `json:"as_of"`
	Workers   int                          `json:"workers,omitempty"`
}

// BatchItemResponse reports one provider's outcome. Err is set instead of
// the window when that provider failed; other providers are unaffected.
type BatchItemResponse struct {
	ProviderID string                       `json:"provider_id"`
	Window     *contracts.ComplianceWindow  `json:"compliance_window,omitempty"`
	Entry      *contracts.ExecutionLogEntry `json:"execution_log_entry,omitempty"`
	Err        string                       `json:"error,omitempty"`
}

// HandleBatch handles POST /api/v1/recalculate/batch.
func (s *Server) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 32<<20) // 32MB limit
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(req.Snapshots) == 0 {
		WriteBadRequest(w, "Missing provider_snapshots")
		return
	}

	ctx, done := s.track(r.Context(), "recalculate_batch",
		attribute.Int("provider_count", len(req.Snapshots)),
	)
	results := s.engine.Batch(ctx, req.Snapshots, req.Pins, req.AsOf, req.Workers)
	var firstErr error
	for _, res := range results {
		if res.Err != nil {
			firstErr = res.Err
			break
		}
	}
	done(firstErr)
	items := make([]BatchItemResponse, 0, len(results))
	for _, res := range results {
		item := BatchItemResponse{
			ProviderID: res.ProviderID,
			Window:     res.Window,
			Entry:      res.Entry,
		}
		if res.Err != nil {
			item.Err = res.Err.Error()
		}
		items = append(items, item)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"results": items})
}

// HandleGetWindow handles GET /api/v1/windows?provider_id=prov-1.
func (s *Server) HandleGetWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	providerID := r.URL.Query().Get("provider_id")
	if providerID == "" {
		WriteBadRequest(w, "Missing provider_id")
		return
	}

	window, err := s.store.GetWindow(r.Context(), providerID)
	if err != nil {
		if errors.Is(err, store.ErrWindowNotFound) {
			WriteNotFound(w, "Provider has never been evaluated")
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(window)
}

// HandleListLog handles GET /api/v1/execution-log with optional
// provider_id, since, until, start_seq, end_seq, and limit query params.
func (s *Server) HandleListLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	filter, err := logFilterFromQuery(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	entries, err := s.store.ListLogEntries(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// HandleVerifyLog handles GET /api/v1/execution-log/verify and replays the
// full hash chain.
func (s *Server) HandleVerifyLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	head, err := s.store.Head(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := map[string]any{
		"valid":         true,
		"head_sequence": head.Sequence,
	}
	if err := store.Verify(r.Context(), s.store); err != nil {
		resp["valid"] = false
		resp["error"] = err.Error()
		s.logger.ErrorContext(r.Context(), "execution log verification failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeEvaluationError maps engine errors onto HTTP statuses. Validation
// and pin errors are caller mistakes; everything else is a 500.
func (s *Server) writeEvaluationError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		WriteUnprocessable(w, verr.Error())
	case errors.Is(err, rulepack.ErrNotFound), errors.Is(err, rulepack.ErrMalformedPack):
		WriteUnprocessable(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func logFilterFromQuery(r *http.Request) (store.LogFilter, error) {
	q := r.URL.Query()
	filter := store.LogFilter{ProviderID: q.Get("provider_id")}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid since timestamp, want RFC 3339")
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid until timestamp, want RFC 3339")
		}
		filter.Until = t
	}
	if v := q.Get("start_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return filter, errors.New("invalid start_seq")
		}
		filter.StartSeq = n
	}
	if v := q.Get("end_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return filter, errors.New("invalid end_seq")
		}
		filter.EndSeq = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = n
	}
	return filter, nil
}
