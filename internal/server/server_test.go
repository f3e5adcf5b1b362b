package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statpulse/internal/config"
	"statpulse/internal/engine"
	"statpulse/internal/model"
	"statpulse/internal/providers"
	"statpulse/internal/quota"
	"statpulse/internal/store/sqlite"
)

type scriptedProvider struct {
	mu      sync.Mutex
	blockCh chan struct{}
	blocked bool
}

func (p *scriptedProvider) Name() string      { return "bls" }
func (p *scriptedProvider) MaxBatchSize() int { return 50 }

func (p *scriptedProvider) ListSeries(context.Context, string) ([]model.Series, error) {
	return nil, nil
}

func (p *scriptedProvider) FetchBatch(_ context.Context, req providers.BatchRequest) ([]model.Observation, error) {
	p.mu.Lock()
	block := p.blockCh
	if block != nil && !p.blocked {
		p.blocked = true
	} else {
		block = nil
	}
	p.mu.Unlock()
	if block != nil {
		<-block
	}

	value := 1.0
	rows := make([]model.Observation, 0, len(req.SeriesIDs))
	for _, id := range req.SeriesIDs {
		rows = append(rows, model.Observation{
			SurveyCode: req.SurveyCode,
			SeriesID:   id,
			Year:       req.EndYear,
			Period:     "M01",
			Value:      &value,
		})
	}
	return rows, nil
}

type fixture struct {
	server   *Server
	handler  http.Handler
	store    *sqlite.Store
	provider *scriptedProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := sqlite.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	series := make([]model.Series, 0, 10)
	for i := 0; i < 10; i++ {
		series = append(series, model.Series{
			SurveyCode: "ce",
			SeriesID:   fmt.Sprintf("CES%04d", i),
			IsActive:   true,
		})
	}
	require.NoError(t, st.UpsertSeries(context.Background(), series))

	cfg := config.Config{
		Surveys: map[string]config.Survey{
			"ce": {Provider: "bls", BatchSize: 10, LookbackYears: 1},
		},
	}
	provider := &scriptedProvider{}
	tracker := quota.New(st, 500)
	eng := engine.New(st, map[string]providers.Provider{"bls": provider}, tracker, cfg, nil)
	srv := New(eng, tracker, nil)

	return &fixture{
		server:   srv,
		handler:  srv.Routes(),
		store:    st,
		provider: provider,
	}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCycleStatusErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/surveys/unknown/cycles/current", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/v1/surveys/ce/cycles/current", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartCycleRunsToCompletion(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/v1/surveys/ce/cycles", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		rec := f.do(http.MethodGet, "/v1/surveys/ce/cycles/current", "")
		if rec.Code != http.StatusOK {
			return false
		}
		var body cycleResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return false
		}
		return body.State == string(model.CycleCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	rec = f.do(http.MethodGet, "/v1/surveys/ce/cycles/current", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body cycleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ce", body.SurveyCode)
	assert.Equal(t, 10, body.SeriesUpdated)
	assert.Equal(t, 10, body.SeriesTotal)
	assert.NotNil(t, body.CompletedAt)
}

func TestStartCycleConflictAndStop(t *testing.T) {
	f := newFixture(t)
	f.provider.blockCh = make(chan struct{})

	rec := f.do(http.MethodPost, "/v1/surveys/ce/cycles", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The first fetch is parked on the block channel; a second start must
	// be refused while the run holds the survey.
	require.Eventually(t, func() bool {
		f.provider.mu.Lock()
		defer f.provider.mu.Unlock()
		return f.provider.blocked
	}, 5*time.Second, 10*time.Millisecond)

	rec = f.do(http.MethodPost, "/v1/surveys/ce/cycles", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodDelete, "/v1/surveys/ce/cycles/current", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	close(f.provider.blockCh)

	// The in-flight batch still lands before the cancellation is honored.
	require.Eventually(t, func() bool {
		rec := f.do(http.MethodGet, "/v1/surveys/ce/cycles/current", "")
		if rec.Code != http.StatusOK {
			return false
		}
		var body cycleResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return false
		}
		return body.State == string(model.CycleInterrupted) ||
			body.State == string(model.CycleCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	rec = f.do(http.MethodDelete, "/v1/surveys/ce/cycles/current", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuotaEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/quota", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body quotaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 500, body.Limit)
	assert.Equal(t, 0, body.Used)
	assert.Equal(t, 500, body.Remaining)
}
