package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterConcurrent(t *testing.T) {
	c := NewCounter("c", "help", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), c.Value())
}

func TestGauge(t *testing.T) {
	g := NewGauge("g", "help", nil)
	g.Set(10)
	g.Add(-3)
	assert.Equal(t, int64(7), g.Value())
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("h", "help", nil, []float64{1, 0.1, 10})
	h.Observe(0.05)
	h.Observe(0.1)
	h.Observe(5)
	h.Observe(50)

	counts, sum, count := h.cumulative()
	assert.Equal(t, []uint64{2, 2, 3, 4}, counts)
	assert.InDelta(t, 55.15, sum, 1e-9)
	assert.Equal(t, uint64(4), count)
	assert.InDelta(t, 55.15/4, h.Mean(), 1e-9)
}

func TestRegistryReturnsExisting(t *testing.T) {
	r := NewRegistry("ns", "sub")
	a := r.Counter("x_total", "x", nil)
	b := r.Counter("x_total", "x", nil)
	assert.Same(t, a, b)
	assert.Equal(t, "ns_sub_x_total", a.Name())
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("rawcapture", "")
	r.Counter("b_total", "b help", Labels{"reason": "x"}).Add(3)
	r.Gauge("a", "a help", nil).Set(2)
	r.Histogram("d_seconds", "d help", nil, []float64{0.5}).Observe(0.25)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Contains(t, out, `rawcapture_b_total{reason="x"} 3`)
	assert.Contains(t, out, "# TYPE rawcapture_a gauge")
	assert.Contains(t, out, `rawcapture_d_seconds_bucket{le="0.5"} 1`)
	assert.Contains(t, out, `rawcapture_d_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "rawcapture_d_seconds_count 1")
}

func TestHTTPHandlerJSON(t *testing.T) {
	r := NewRegistry("t", "")
	r.Counter("n_total", "n", nil).Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, req)

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, float64(1), snap["t_n_total"])
}

func TestHTTPHandlerText(t *testing.T) {
	r := NewRegistry("t", "")
	r.Gauge("up", "up", nil).Set(1)

	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, rec.Body.String(), "t_up 1")
}

func TestCaptureMetrics(t *testing.T) {
	m := NewCaptureMetrics(nil)
	m.RecordDispatch(3, 20*time.Microsecond)
	m.RecordDispatch(0, time.Microsecond)
	m.RecordDrop(DropSizeMismatch)
	m.RecordDrop(DropReadError)
	m.RecordDrop("anything else")
	m.SetRegistrySize(5, 16)

	assert.Equal(t, uint64(2), m.EventsDecoded.Value())
	assert.Equal(t, uint64(3), m.EventsDispatched.Value())
	assert.Equal(t, uint64(3), m.Dropped())
	assert.Equal(t, int64(5), m.Listeners.Value())
	assert.Equal(t, int64(16), m.RegistryCapacity.Value())
	assert.Equal(t, uint64(2), m.DispatchDuration.Count())

	snap := m.Registry().Snapshot()
	assert.Equal(t, uint64(2), snap["rawcapture_keystroke_events_decoded_total"])
}

func TestCaptureMetricsIndependent(t *testing.T) {
	a := NewCaptureMetrics(nil)
	b := NewCaptureMetrics(nil)
	a.EventsIgnored.Inc()
	assert.Zero(t, b.EventsIgnored.Value())
}
