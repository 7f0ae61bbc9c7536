package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-decision-engine/config"
	"trading-decision-engine/internal/cache"
	"trading-decision-engine/internal/engine"
	"trading-decision-engine/internal/ensemble"
	"trading-decision-engine/internal/events"
	"trading-decision-engine/internal/features"
)

func testServer(t *testing.T) *Server {
	s, _ := testServerWithModelDir(t)
	return s
}

func testServerWithModelDir(t *testing.T) (*Server, string) {
	t.Helper()

	modelDir := t.TempDir()
	writeTestModel(t, modelDir)

	cfg := &config.Config{
		EngineConfig: config.EngineConfig{
			PrimaryTimeframe: "15m",
			Timeframes:       []string{"15m"},
			MinBars:          30,
			BarWindow:        100,
		},
		EnsembleConfig: config.EnsembleConfig{
			ModelDir:       modelDir,
			MinProbability: 0.5,
			MinMargin:      0.1,
		},
		QualityConfig: config.QualityConfig{
			RuleWeights: map[string]float64{"confluence_strength": 1.0},
		},
		EntryConfig: config.EntryConfig{
			BaseMinConfidence:      0.55,
			PerformanceSensitivity: 0.10,
			HighConfidenceBypass:   0.80,
			BypassMinConfidence:    0.50,
			BypassMinRiskReward:    2.0,
			RiskPerTradePercent:    1.0,
			ATRPeriod:              14,
			ATRMultiplierSL:        1.5,
			ATRMultiplierTP:        2.0,
			MinStopDistancePercent: 0.15,
		},
		LifecycleConfig: config.LifecycleConfig{
			TargetMultiplierMin:    1.0,
			TargetMultiplierMax:    3.5,
			ExitQuorum:             3,
			HardLossPercent:        2.5,
			MinAgeBars:             3,
			MaxAverageDownAttempts: 2,
			RecoveryProbabilityMin: 0.55,
			AverageDownDecay:       0.6,
			LargePositionPercent:   15,
			MaxPositionPercent:     25,
			ScaleInConfidenceMin:   0.65,
			ScaleOutProfitFraction: 0.8,
		},
		RiskConfig: config.RiskConfig{
			MaxDailyLossPercent: 3.0,
			MaxDrawdownPercent:  10.0,
			NearLimitThreshold:  0.8,
			ConservativeFactor:  0.5,
			RecentTradeWindow:   20,
		},
		ServerConfig: config.ServerConfig{
			Port:           0,
			Host:           "127.0.0.1",
			AllowedOrigins: "*",
			RateLimit:      1000,
			RateWindowSecs: 60,
		},
	}

	registry := ensemble.NewRegistry(modelDir, zerolog.Nop())
	require.NoError(t, registry.Load())

	bus := events.NewEventBus()
	eng := engine.New(cfg, engine.Deps{
		Registry: registry,
		Actions:  cache.NewActionCache(nil, zerolog.Nop()),
		Bus:      bus,
	}, zerolog.Nop())

	return NewServer(cfg.ServerConfig, eng, registry, nil, nil, bus, zerolog.Nop()), modelDir
}

func writeTestModel(t *testing.T, dir string) {
	t.Helper()

	featureCount := features.NewSchema([]string{"15m"}).Size()
	weights := make([][]float64, 3)
	for c := range weights {
		weights[c] = make([]float64, featureCount)
	}
	payload := map[string]interface{}{
		"scope": "global",
		"key":   "",
		"model": ensemble.Model{
			Name:          "api-test-model",
			SchemaVersion: features.SchemaVersion,
			FeatureCount:  featureCount,
			Weights:       weights,
			Biases:        []float64{0, 2.0, 0}, // Strongly HOLD
			Weight:        1.0,
		},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.json"), data, 0o644))
}

func evaluateBody(t *testing.T) []byte {
	t.Helper()

	bars := make([]map[string]interface{}, 40)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range bars {
		bars[i] = map[string]interface{}{
			"time":   t0.Add(time.Duration(i) * 15 * time.Minute).Unix(),
			"open":   price,
			"high":   price * 1.003,
			"low":    price * 0.997,
			"close":  price * 1.001,
			"volume": 1000.0,
		}
		price *= 1.001
	}

	body, err := json.Marshal(map[string]interface{}{
		"symbol":     "BTCUSDT",
		"timestamp":  time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC).Unix(),
		"timeframes": map[string]interface{}{"15m": bars},
		"spec": map[string]interface{}{
			"asset_class":   "crypto",
			"lot_step":      0.001,
			"min_lot":       0.001,
			"max_lot":       100.0,
			"contract_size": 1.0,
			"tick_value":    1.0,
		},
		"account": map[string]interface{}{
			"balance":           10000.0,
			"equity":            10000.0,
			"day_start_balance": 10000.0,
			"peak_balance":      10000.0,
		},
	})
	require.NoError(t, err)
	return body
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "disabled", resp["database"])
}

func TestEvaluateReturnsDecision(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodPost, "/api/v1/evaluate", evaluateBody(t))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			ID         string  `json:"id"`
			Instrument string  `json:"instrument"`
			Action     string  `json:"action"`
			Reason     string  `json:"reason"`
			Confidence float64 `json:"confidence"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "BTCUSDT", resp.Data.Instrument)
	assert.Equal(t, "HOLD", resp.Data.Action)
	assert.NotEmpty(t, resp.Data.ID)
	assert.NotEmpty(t, resp.Data.Reason)
}

func TestEvaluateRejectsMalformedBody(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodPost, "/api/v1/evaluate", []byte(`{"symbol":`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRiskStateEndpoint(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet,
		"/api/v1/risk?balance=10000&equity=9600&day_start_balance=10000&peak_balance=10000", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			DailyPnLPercent float64 `json:"daily_pnl_percent"`
			Violated        bool    `json:"violated"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Violated)
	assert.InDelta(t, -4.0, resp.Data.DailyPnLPercent, 1e-9)
}

func TestRiskStateRequiresParameters(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/api/v1/risk", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModelsEndpointReportsGeneration(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/api/v1/models", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			Version      string `json:"version"`
			GlobalModels int    `json:"global_models"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.Version)
	assert.Equal(t, 1, resp.Data.GlobalModels)
}

func TestReloadModelsSwapsGeneration(t *testing.T) {
	s, modelDir := testServerWithModelDir(t)
	before := s.registry.Version()

	writeSecondModel(t, modelDir)

	w := doRequest(s, http.MethodPost, "/api/v1/models/reload", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, before, s.registry.Version())
}

func writeSecondModel(t *testing.T, dir string) {
	t.Helper()

	featureCount := features.NewSchema([]string{"15m"}).Size()
	weights := make([][]float64, 3)
	for c := range weights {
		weights[c] = make([]float64, featureCount)
	}
	payload := map[string]interface{}{
		"scope": "global",
		"key":   "",
		"model": ensemble.Model{
			Name:          "api-test-model-2",
			SchemaVersion: features.SchemaVersion,
			FeatureCount:  featureCount,
			Weights:       weights,
			Biases:        []float64{1.0, 0, 0},
			Weight:        1.0,
		},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "second.json"), data, 0o644))
}

func TestDecisionsUnavailableWithoutAuditLog(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/api/v1/decisions", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s := testServer(t)

	// One evaluation so the counter is non-zero
	doRequest(s, http.MethodPost, "/api/v1/evaluate", evaluateBody(t))

	w := doRequest(s, http.MethodGet, "/api/v1/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp.Data["evaluations"])
	assert.Contains(t, resp.Data, "models")
	assert.Contains(t, resp.Data, "ws_clients")
}

func TestTradeResultRequiresPnL(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodPost, "/api/v1/trades/result", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(s, http.MethodPost, "/api/v1/trades/result", []byte(`{"pnl_percent": -1.5}`))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("client"), fmt.Sprintf("request %d should pass", i+1))
	}
	assert.False(t, limiter.Allow("client"))
	assert.True(t, limiter.Allow("other-client"))
}
