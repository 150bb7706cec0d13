package observ

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelKeyStableOrder(t *testing.T) {
	a := labelKey(map[string]string{"b": "2", "a": "1"})
	b := labelKey(map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, "a=1,b=2", a)
	assert.Equal(t, a, b)
	assert.Equal(t, "", labelKey(nil))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, Summary{}, summarize(nil))
	window := make([]float64, 0, 100)
	for i := 100; i >= 1; i-- {
		window = append(window, float64(i))
	}
	s := summarize(window)
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, 50.0, s.P50)
	assert.Equal(t, 95.0, s.P95)
	assert.Equal(t, 100.0, s.Max)
	assert.Equal(t, 100.0, window[0], "input left unsorted")
}

func TestCounterAndGauge(t *testing.T) {
	lbl := map[string]string{"test": t.Name()}
	IncCounter("observ_test_total", lbl)
	IncCounterBy("observ_test_total", lbl, 2)
	assert.EqualValues(t, 3, Counter("observ_test_total", lbl))

	_, ok := Gauge("observ_test_gauge", lbl)
	assert.False(t, ok)
	SetGauge("observ_test_gauge", 1.5, lbl)
	v, ok := Gauge("observ_test_gauge", lbl)
	require.True(t, ok)
	assert.Equal(t, 1.5, v)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	testCases := []struct {
		status string
		code   int
	}{
		{StatusHealthy, http.StatusOK},
		{StatusDegraded, http.StatusPartialContent},
		{StatusFailed, http.StatusServiceUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.status, func(t *testing.T) {
			h := HealthHandler(func() (string, map[string]any) {
				return tc.status, map[string]any{"broker": "x"}
			})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tc.code, rec.Code)
			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.status, body.Status)
			assert.Equal(t, "x", body.Details["broker"])
		})
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)

	l, err := NewLogger(LogConfig{Level: "debug"})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestHandlerReportsSummaries(t *testing.T) {
	lbl := map[string]string{"test": t.Name()}
	RecordDuration("observ_test_latency", 20*time.Millisecond, lbl)
	RecordDuration("observ_test_latency", 10*time.Millisecond, lbl)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Histograms map[string]map[string]Summary `json:"histograms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	s := body.Histograms["observ_test_latency_ms"][labelKey(lbl)]
	assert.Equal(t, Summary{Count: 2, P50: 10, P95: 10, Max: 20}, s)
}
