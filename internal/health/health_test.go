package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rawcapture/internal/keystroke"
)

type fakeCapture struct {
	mu        sync.Mutex
	capturing bool
	stats     keystroke.Stats
}

func (f *fakeCapture) IsCapturing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capturing
}

func (f *fakeCapture) Stats() keystroke.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeCapture) set(capturing bool, dropped, panics uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capturing = capturing
	f.stats.EventsDropped = dropped
	f.stats.ListenerPanics = panics
}

func healthy(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func failing(context.Context) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Error: "down"}
}

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("a", true, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical component not yet checked")

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("optional", false, failing)
	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("critical", true, failing)
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())

	assert.Equal(t, []string{"a", "critical", "optional"}, c.Names())
}

func TestCheckRecoversPanics(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("boom", true, func(context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["boom"].Status)
	assert.Equal(t, "boom", results["boom"].Error)
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
}

func TestCaptureCheck(t *testing.T) {
	src := &fakeCapture{}
	check := CaptureCheck(src)
	ctx := context.Background()

	res := check(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "stopped", res.Details["state"])

	src.set(true, 0, 0)
	assert.Equal(t, StatusHealthy, check(ctx).Status)

	src.set(true, 2, 1)
	res = check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "2 records dropped, 1 listener panics")

	// Only new drops degrade.
	assert.Equal(t, StatusHealthy, check(ctx).Status)
}

func TestDirWritableCheck(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, DirWritableCheck(dir)(context.Background()).Status)

	missing := filepath.Join(dir, "missing")
	assert.Equal(t, StatusUnhealthy, DirWritableCheck(missing)(context.Background()).Status)
}

func TestHandler(t *testing.T) {
	src := &fakeCapture{}
	c := NewChecker()
	c.RegisterFunc("capture", true, CaptureCheck(src))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	src.set(true, 0, 0)
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Contains(t, resp.Components, "capture")
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)
}
