package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"nexus-assistant/internal/observability"
	"nexus-assistant/internal/usecase"
)

type stubTurns struct {
	out usecase.TurnOutput
	err error
	in  usecase.TurnInput
}

func (s *stubTurns) HandleTurn(_ context.Context, in usecase.TurnInput) (usecase.TurnOutput, error) {
	s.in = in
	return s.out, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, turns *stubTurns, ready Pinger) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg, "test_httpapi")
	metrics.ObserveDecision("noop")
	srv, err := New(turns, observability.MetricsHandler(reg), ready, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postTurn(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/v1/turns", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestPostTurn(t *testing.T) {
	turns := &stubTurns{out: usecase.TurnOutput{Reply: "hello"}}
	ts := newTestServer(t, turns, nil)

	res := postTurn(t, ts.URL, `{"userId":"u1","message":"hi"}`, map[string]string{"X-Correlation-Id": "corr-1"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "corr-1", res.Header.Get("X-Correlation-Id"))
	require.Equal(t, usecase.TurnInput{UserID: "u1", Message: "hi"}, turns.in)

	var out turnResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.Equal(t, turnResponse{Reply: "hello"}, out)
}

func TestPostTurnPassesProfileFields(t *testing.T) {
	turns := &stubTurns{out: usecase.TurnOutput{Reply: "hello"}}
	ts := newTestServer(t, turns, nil)

	res := postTurn(t, ts.URL, `{"userId":"u1","message":"hi","username":"asha","firstName":"Asha"}`, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, usecase.TurnInput{UserID: "u1", Message: "hi", Username: "asha", FirstName: "Asha"}, turns.in)
}

func TestPostTurnErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "malformed body", body: `{"userId":`, status: http.StatusBadRequest, code: "INVALID_INPUT"},
		{name: "invalid input", body: `{"userId":"","message":"hi"}`, err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_user_id"}, status: http.StatusBadRequest, code: "INVALID_INPUT"},
		{name: "internal", body: `{"userId":"u1","message":"hi"}`, err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &stubTurns{err: tt.err}, nil)

			res := postTurn(t, ts.URL, tt.body, nil)
			require.Equal(t, tt.status, res.StatusCode)
			require.NotEmpty(t, res.Header.Get("X-Correlation-Id"))

			var out errorResponse
			require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
			require.Equal(t, tt.code, out.Error)
		})
	}
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t, &stubTurns{}, stubPinger{err: errors.New("down")})

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	ok := newTestServer(t, &stubTurns{}, stubPinger{})
	res, err = http.Get(ok.URL + "/readyz")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubTurns{}, nil)

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var b strings.Builder
	_, err = io.Copy(&b, res.Body)
	require.NoError(t, err)
	require.Contains(t, b.String(), `test_httpapi_memory_decisions_total{decision="noop"} 1`)
}

func TestNewRequiresTurns(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	require.Error(t, err)
}
