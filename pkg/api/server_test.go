package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credentialmate/rules/pkg/contracts"
	"github.com/credentialmate/rules/pkg/engine"
	"github.com/credentialmate/rules/pkg/rulepack"
	"github.com/credentialmate/rules/pkg/store"
)

var testPins = contracts.VersionPins{LicenseVersion: 1, CmeVersion: 1, DeaVersion: 1, CsrVersion: 1}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	packs := rulepack.NewMemoryStore()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mustBody := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	for _, p := range []*contracts.RulePack{
		{
			RuleType: contracts.RuleTypeLicense, Version: 1, SchemaVersion: "1.0.0", CreatedAt: created,
			Body: mustBody(contracts.LicensePackBody{StateRules: map[string]contracts.RenewalRule{
				"CA": {State: "CA", CycleLengthMonths: 24, RenewalMethod: contracts.RenewalRolling},
			}}),
		},
		{
			RuleType: contracts.RuleTypeCme, Version: 1, SchemaVersion: "1.0.0", CreatedAt: created,
			Body: mustBody(contracts.CmePackBody{StateMatrices: map[string]contracts.CmeMatrix{
				"CA": {State: "CA", CycleMonths: 24, RequiredHours: map[string]float64{"general": 25}},
			}}),
		},
		{
			RuleType: contracts.RuleTypeDea, Version: 1, SchemaVersion: "1.0.0", CreatedAt: created,
			Body: mustBody(contracts.DeaPackBody{CycleMonths: 36}),
		},
		{
			RuleType: contracts.RuleTypeCsr, Version: 1, SchemaVersion: "1.0.0", CreatedAt: created,
			Body: mustBody(contracts.CsrPackBody{StateRules: map[string]contracts.CsrRule{
				"CA": {State: "CA", CycleMonths: 24},
			}}),
		},
	} {
		require.NoError(t, packs.Publish(p))
	}

	st := store.NewMemoryStore()
	logger := slog.New(slog.DiscardHandler)
	srv := NewServer(engine.New(packs, st, logger), packs, st, logger, nil)
	ts := httptest.NewServer(srv.Routes(nil))
	t.Cleanup(ts.Close)
	return srv, ts
}

func caProvider() contracts.ProviderSnapshot {
	return contracts.ProviderSnapshot{
		ProviderID: "prov-ca-1",
		BirthDate:  contracts.NewDate(1985, 7, 2),
		Licenses: []contracts.License{{
			State: "CA", LicenseNumber: "C-9001",
			IssueDate: contracts.NewDate(2024, 2, 15),
		}},
		CmeEvents: []contracts.CmeEvent{
			{Category: "general", Hours: 30, CompletedAt: contracts.NewDate(2024, 9, 1)},
		},
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestHealthz(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecalculateEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/rules/recalculate", RecalculateRequest{
		Snapshot: caProvider(),
		Pins:     testPins,
		AsOf:     contracts.NewDate(2025, 6, 1),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out RecalculateResponse
	decodeBody(t, resp, &out)
	require.NotNil(t, out.Window)
	require.NotNil(t, out.Entry)
	assert.Equal(t, "prov-ca-1", out.Window.ProviderID)
	assert.Equal(t, contracts.StatusCompliant, out.Window.MergedStatus)
	assert.Equal(t, uint64(1), out.Entry.Sequence)
	assert.Equal(t, testPins, out.Entry.RulePackVersionsUsed)

	// The committed window is then readable.
	getResp, err := http.Get(ts.URL + "/api/v1/rules/windows?provider_id=prov-ca-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var window contracts.ComplianceWindow
	decodeBody(t, getResp, &window)
	assert.Equal(t, out.Window.MergedNextDueDate, window.MergedNextDueDate)
}

func TestRecalculateValidationMapsTo422(t *testing.T) {
	_, ts := testServer(t)

	snap := caProvider()
	snap.CmeEvents[0].Hours = -5

	resp := postJSON(t, ts.URL+"/api/v1/rules/recalculate", RecalculateRequest{
		Snapshot: snap, Pins: testPins, AsOf: contracts.NewDate(2025, 6, 1),
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var problem ProblemDetail
	decodeBody(t, resp, &problem)
	assert.Equal(t, "Unprocessable Entity", problem.Title)
	assert.Contains(t, problem.Detail, "hours")
}

func TestRecalculateMissingPinMapsTo422(t *testing.T) {
	_, ts := testServer(t)

	pins := testPins
	pins.DeaVersion = 99

	resp := postJSON(t, ts.URL+"/api/v1/rules/recalculate", RecalculateRequest{
		Snapshot: caProvider(), Pins: pins, AsOf: contracts.NewDate(2025, 6, 1),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestBatchEndpointIsolatesFailures(t *testing.T) {
	_, ts := testServer(t)

	good := caProvider()
	bad := caProvider()
	bad.ProviderID = "prov-ca-2"
	bad.Licenses = nil

	resp := postJSON(t, ts.URL+"/api/v1/rules/recalculate/batch", BatchRequest{
		Snapshots: []contracts.ProviderSnapshot{good, bad},
		Pins:      testPins,
		AsOf:      contracts.NewDate(2025, 6, 1),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		Results []BatchItemResponse `json:"results"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Results, 2)
	assert.NotNil(t, out.Results[0].Window)
	assert.Empty(t, out.Results[0].Err)
	assert.Nil(t, out.Results[1].Window)
	assert.NotEmpty(t, out.Results[1].Err)
}

func TestGetWindowNotFound(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/rules/windows?provider_id=prov-missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestListVersionsEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/rules/versions?type=license")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		RuleType string  `json:"rule_type"`
		Versions []int64 `json:"versions"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "license", out.RuleType)
	assert.Equal(t, []int64{1}, out.Versions)

	badResp, err := http.Get(ts.URL + "/api/v1/rules/versions?type=bogus")
	require.NoError(t, err)
	defer badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestGetPackEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/rules?type=cme&version=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pack contracts.RulePack
	decodeBody(t, resp, &pack)
	assert.Equal(t, contracts.RuleTypeCme, pack.RuleType)
	assert.Equal(t, int64(1), pack.Version)

	missing, err := http.Get(ts.URL + "/api/v1/rules?type=cme&version=7")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestExecutionLogEndpoints(t *testing.T) {
	_, ts := testServer(t)

	for i := 0; i < 2; i++ {
		snap := caProvider()
		snap.ProviderID = fmt.Sprintf("prov-ca-%d", i+1)
		resp := postJSON(t, ts.URL+"/api/v1/rules/recalculate", RecalculateRequest{
			Snapshot: snap, Pins: testPins, AsOf: contracts.NewDate(2025, 6, 1),
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/v1/rules/execution-logs?provider_id=prov-ca-2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Entries []contracts.ExecutionLogEntry `json:"entries"`
		Count   int                           `json:"count"`
	}
	decodeBody(t, resp, &out)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "prov-ca-2", out.Entries[0].ProviderID)

	verifyResp, err := http.Get(ts.URL + "/api/v1/rules/execution-logs/verify")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, verifyResp.StatusCode)
	var verify struct {
		Valid        bool   `json:"valid"`
		HeadSequence uint64 `json:"head_sequence"`
	}
	decodeBody(t, verifyResp, &verify)
	assert.True(t, verify.Valid)
	assert.Equal(t, uint64(2), verify.HeadSequence)

	badResp, err := http.Get(ts.URL + "/api/v1/rules/execution-logs?since=not-a-time")
	require.NoError(t, err)
	defer badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewGlobalRateLimiter(1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ts := httptest.NewServer(handler)
	defer ts.Close()
	client := ts.Client()

	for i := 0; i < 2; i++ {
		resp, err := client.Get(ts.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "within burst limit")
		require.NoError(t, resp.Body.Close())
	}

	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "exceeded burst")
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	require.NoError(t, resp.Body.Close())
}

func TestRateLimiterCloseStopsCleanup(t *testing.T) {
	limiter := NewGlobalRateLimiter(10, 10)
	limiter.Close()
	limiter.Close() // idempotent

	// Limiting itself keeps working after Close.
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4242"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/rules/recalculate")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
