package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/config"
	"github.com/iara-trader/engine/internal/decisionstore"
	"github.com/iara-trader/engine/internal/events"
	"github.com/iara-trader/engine/internal/state"
	"github.com/iara-trader/engine/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	store, err := decisionstore.New(zap.NewNop(), path, 2*time.Hour)
	if err != nil {
		t.Fatalf("decisionstore.New() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	st := state.New(zap.NewNop(), state.DefaultConfig(), decimal.NewFromInt(100000), nil)
	return NewServer(zap.NewNop(), config.ServerConfig{Host: "127.0.0.1", Port: 8080}, st, store)
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthReportsHealthy(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
}

func TestHandleStatusReturnsStateSnapshot(t *testing.T) {
	s := newTestServer(t)
	s.SetEventStats(func() events.BusStats { return events.BusStats{Published: 7} })

	rec := doRequest(s, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		State  map[string]interface{} `json:"state"`
		Events events.BusStats        `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if _, ok := body.State["capital"]; !ok {
		t.Errorf("state = %v, want a capital field", body.State)
	}
	if body.Events.Published != 7 {
		t.Errorf("events.published = %d, want the provider's counter surfaced", body.Events.Published)
	}
}

func TestHandlePositionsReturnsOpenPositions(t *testing.T) {
	s := newTestServer(t)
	if err := s.state.AddPosition(types.Position{
		Symbol: "AAPL", Direction: types.DirectionLong,
		EntryPrice: decimal.NewFromInt(100), Quantity: 10,
	}); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}

	rec := doRequest(s, http.MethodGet, "/api/v1/positions")
	var body struct {
		Positions []types.Position `json:"positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(body.Positions) != 1 || body.Positions[0].Symbol != "AAPL" {
		t.Errorf("positions = %+v, want a single AAPL position", body.Positions)
	}
}

func TestHandleDecisionsReturnsRecentLog(t *testing.T) {
	s := newTestServer(t)
	decision := types.TradeDecision{Symbol: "AAPL", Verdict: types.VerdictApprove, Timestamp: time.Now()}
	if err := s.store.AppendDecisionLog(httptest.NewRequest(http.MethodGet, "/", nil).Context(), decision, ""); err != nil {
		t.Fatalf("AppendDecisionLog() error = %v", err)
	}

	rec := doRequest(s, http.MethodGet, "/api/v1/decisions")
	var body struct {
		Decisions []types.DecisionLogRow `json:"decisions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(body.Decisions) != 1 || body.Decisions[0].Symbol != "AAPL" {
		t.Errorf("decisions = %+v, want the single appended row", body.Decisions)
	}
}

func TestHandleAlertsReturnsRecordedAlertsAfterHandlePriceAlert(t *testing.T) {
	s := newTestServer(t)
	s.HandlePriceAlert(types.PriceAlert{Symbol: "AAPL", AlertType: "stop_violation", Timestamp: time.Now()})

	rec := doRequest(s, http.MethodGet, "/api/v1/alerts")
	var body struct {
		Alerts []AlertRecord `json:"alerts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(body.Alerts) != 1 || body.Alerts[0].Kind != "price" {
		t.Errorf("alerts = %+v, want a single recorded price alert", body.Alerts)
	}
}

func TestHandleAlertsRingEvictsOldestPastCapacity(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < alertRingSize+10; i++ {
		s.HandlePriceAlert(types.PriceAlert{Symbol: "AAPL", Timestamp: time.Now()})
	}

	s.mu.RLock()
	n := len(s.alerts)
	s.mu.RUnlock()
	if n != alertRingSize {
		t.Errorf("len(alerts) = %d, want capped at %d", n, alertRingSize)
	}
}

func TestHandleKillSwitchClearDeactivatesKillSwitch(t *testing.T) {
	s := newTestServer(t)
	s.state.ActivateKillSwitch("test")

	rec := doRequest(s, http.MethodPost, "/api/v1/killswitch/clear")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if s.state.IsKillSwitchActive() {
		t.Errorf("IsKillSwitchActive() = true, want cleared by the handler")
	}
}
