package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/auth"
	"futures-trading-bot/internal/bot"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/signal"
)

type stubEngine struct {
	bots         map[string]bot.BotRecord
	createErr    error
	closeErr     error
	closed       []string
	report       *bot.SyncReport
	breakerReset bool
	eligible     int
}

func (s *stubEngine) Status() map[string]interface{} {
	return map[string]interface{}{
		"enabled":     true,
		"active_bots": len(s.bots),
	}
}

func (s *stubEngine) ListBots() []bot.BotRecord {
	out := make([]bot.BotRecord, 0, len(s.bots))
	for _, rec := range s.bots {
		out = append(out, rec)
	}
	return out
}

func (s *stubEngine) GetBot(symbol string) (bot.BotRecord, bool) {
	rec, ok := s.bots[symbol]
	return rec, ok
}

func (s *stubEngine) CreateManualBot(_ context.Context, symbol string, manual bot.ManualBotParams) (bot.BotRecord, error) {
	if s.createErr != nil {
		return bot.BotRecord{}, s.createErr
	}
	rec := bot.BotRecord{
		ID:     "bot-" + symbol,
		Symbol: symbol,
		State:  bot.StateEntering,
		Side:   manual.Side,
	}
	if s.bots == nil {
		s.bots = make(map[string]bot.BotRecord)
	}
	s.bots[symbol] = rec
	return rec, nil
}

func (s *stubEngine) CloseBot(_ context.Context, symbol string) error {
	if s.closeErr != nil {
		return s.closeErr
	}
	s.closed = append(s.closed, symbol)
	return nil
}

func (s *stubEngine) SignalSnapshot(_ context.Context, symbol string) signal.Signal {
	return signal.Signal{
		Symbol:      symbol,
		Direction:   signal.DirectionLong,
		Confidence:  0.8,
		Reasons:     []string{"rsi_oversold"},
		GeneratedAt: time.Now(),
	}
}

func (s *stubEngine) ActivateTradingRules(context.Context) int { return s.eligible }

func (s *stubEngine) SyncOnce(context.Context) bot.SyncReport {
	return bot.SyncReport{BotsChecked: len(s.bots), Timestamp: time.Now()}
}

func (s *stubEngine) LastSyncReport() *bot.SyncReport { return s.report }

func (s *stubEngine) BreakerStats() map[string]interface{} {
	return map[string]interface{}{"state": "closed"}
}

func (s *stubEngine) ResetBreaker() { s.breakerReset = true }

func newTestServer(t *testing.T, engine BotAPI, authService *auth.Service) *Server {
	t.Helper()

	store, err := config.NewStore(config.Default().EngineConfig, nil, logging.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if authService == nil {
		authService = auth.NewService(auth.Config{Enabled: false}, logging.Nop())
	}

	return NewServer(
		config.Default().ServerConfig,
		store,
		engine,
		nil,
		nil,
		nil,
		events.NewBus(),
		authService,
		logging.Nop(),
	)
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &stubEngine{}, nil)

	rec := doRequest(srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubEngine{bots: map[string]bot.BotRecord{
		"BTCUSDT": {Symbol: "BTCUSDT"},
	}}, nil)

	rec := doRequest(srv, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["active_bots"].(float64) != 1 {
		t.Errorf("active_bots = %v, want 1", body["active_bots"])
	}
	if _, ok := body["ws_clients"]; !ok {
		t.Error("status should include ws_clients")
	}
}

func TestCreateBot(t *testing.T) {
	engine := &stubEngine{}
	srv := newTestServer(t, engine, nil)

	rec := doRequest(srv, http.MethodPost, "/api/bots", `{"symbol":"btcusdt","side":"LONG"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", rec.Code, rec.Body.String())
	}

	var record bot.BotRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if record.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q, want uppercased BTCUSDT", record.Symbol)
	}
	if record.Side != exchange.PositionSideLong {
		t.Errorf("side = %q, want LONG", record.Side)
	}
}

func TestCreateBotValidation(t *testing.T) {
	srv := newTestServer(t, &stubEngine{}, nil)

	rec := doRequest(srv, http.MethodPost, "/api/bots", `{"symbol":"BTCUSDT"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing side: status = %d, want 400", rec.Code)
	}

	rec = doRequest(srv, http.MethodPost, "/api/bots", `{"symbol":"BTCUSDT","side":"SIDEWAYS"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad side: status = %d, want 400", rec.Code)
	}
}

func TestCreateBotConflicts(t *testing.T) {
	srv := newTestServer(t, &stubEngine{createErr: bot.ErrBotExists}, nil)
	rec := doRequest(srv, http.MethodPost, "/api/bots", `{"symbol":"BTCUSDT","side":"LONG"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("existing bot: status = %d, want 409", rec.Code)
	}

	srv = newTestServer(t, &stubEngine{createErr: bot.ErrCapacityExceeded}, nil)
	rec = doRequest(srv, http.MethodPost, "/api/bots", `{"symbol":"BTCUSDT","side":"LONG"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("capacity: status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "CAPACITY_EXCEEDED") {
		t.Errorf("capacity error code missing: %s", rec.Body.String())
	}
}

func TestGetBot(t *testing.T) {
	srv := newTestServer(t, &stubEngine{bots: map[string]bot.BotRecord{
		"ETHUSDT": {Symbol: "ETHUSDT", State: bot.StateOpen},
	}}, nil)

	rec := doRequest(srv, http.MethodGet, "/api/bots/ethusdt", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/bots/XRPUSDT", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing bot: status = %d, want 404", rec.Code)
	}
}

func TestCloseBot(t *testing.T) {
	engine := &stubEngine{}
	srv := newTestServer(t, engine, nil)

	rec := doRequest(srv, http.MethodDelete, "/api/bots/btcusdt", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(engine.closed) != 1 || engine.closed[0] != "BTCUSDT" {
		t.Errorf("closed = %v, want [BTCUSDT]", engine.closed)
	}

	srv = newTestServer(t, &stubEngine{closeErr: bot.ErrBotNotFound}, nil)
	rec = doRequest(srv, http.MethodDelete, "/api/bots/BTCUSDT", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing bot: status = %d, want 404", rec.Code)
	}
}

func TestGetSignal(t *testing.T) {
	srv := newTestServer(t, &stubEngine{}, nil)

	rec := doRequest(srv, http.MethodGet, "/api/signals/btcusdt", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var sig signal.Signal
	if err := json.Unmarshal(rec.Body.Bytes(), &sig); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if sig.Symbol != "BTCUSDT" || sig.Direction != signal.DirectionLong {
		t.Errorf("unexpected signal: %+v", sig)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	srv := newTestServer(t, &stubEngine{}, nil)

	rec := doRequest(srv, http.MethodGet, "/api/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"version":1`) {
		t.Errorf("expected version 1: %s", rec.Body.String())
	}

	rec = doRequest(srv, http.MethodPatch, "/api/config", `{"max_bots": 9}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"max_bots":9`) {
		t.Errorf("patched config not returned: %s", rec.Body.String())
	}

	// Invalid update must change nothing
	rec = doRequest(srv, http.MethodPatch, "/api/config", `{"leverage": 500}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid PATCH status = %d, want 400", rec.Code)
	}
	rec = doRequest(srv, http.MethodGet, "/api/config", "")
	if strings.Contains(rec.Body.String(), `"leverage":500`) {
		t.Error("rejected update leaked into the config")
	}

	rec = doRequest(srv, http.MethodPatch, "/api/config", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty PATCH status = %d, want 400", rec.Code)
	}
}

func TestSyncEndpoints(t *testing.T) {
	engine := &stubEngine{}
	srv := newTestServer(t, engine, nil)

	rec := doRequest(srv, http.MethodGet, "/api/sync/report", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("no report yet: status = %d, want 404", rec.Code)
	}

	engine.report = &bot.SyncReport{BotsChecked: 3, Timestamp: time.Now()}
	rec = doRequest(srv, http.MethodGet, "/api/sync/report", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"bots_checked":3`) {
		t.Errorf("unexpected report: %s", rec.Body.String())
	}

	rec = doRequest(srv, http.MethodPost, "/api/sync/force", "")
	if rec.Code != http.StatusOK {
		t.Errorf("force sync: status = %d, want 200", rec.Code)
	}
}

func TestMaturityEndpoints(t *testing.T) {
	engine := &stubEngine{eligible: 4}
	srv := newTestServer(t, engine, nil)

	// Maturity filter not wired in tests
	rec := doRequest(srv, http.MethodGet, "/api/maturity", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	rec = doRequest(srv, http.MethodPost, "/api/maturity/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"eligible":4`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestBreakerEndpoints(t *testing.T) {
	engine := &stubEngine{}
	srv := newTestServer(t, engine, nil)

	rec := doRequest(srv, http.MethodGet, "/api/breaker", "")
	if rec.Code != http.StatusOK {
		t.Errorf("stats status = %d, want 200", rec.Code)
	}

	rec = doRequest(srv, http.MethodPost, "/api/breaker/reset", "")
	if rec.Code != http.StatusOK {
		t.Errorf("reset status = %d, want 200", rec.Code)
	}
	if !engine.breakerReset {
		t.Error("reset not forwarded to the engine")
	}
}

func TestTradeEndpointsWithoutDatabase(t *testing.T) {
	srv := newTestServer(t, &stubEngine{}, nil)

	rec := doRequest(srv, http.MethodGet, "/api/trades", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("trades status = %d, want 404", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/trades/stats", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("stats status = %d, want 404", rec.Code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	hash, err := auth.HashToken("operator-token")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	authService := auth.NewService(auth.Config{
		Enabled:       true,
		JWTSecret:     "test-secret",
		APITokenHash:  hash,
		TokenDuration: time.Hour,
	}, logging.Nop())
	srv := newTestServer(t, &stubEngine{}, authService)

	// Control routes reject missing tokens
	rec := doRequest(srv, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	// Health stays public
	rec = doRequest(srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}

	// Login then retry
	rec = doRequest(srv, http.MethodPost, "/api/auth/login", `{"token":"operator-token"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	var login auth.TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil {
		t.Fatalf("invalid login response: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	authRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(authRec, req)
	if authRec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", authRec.Code)
	}
}
