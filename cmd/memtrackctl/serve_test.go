package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memtrack/pool"
	"github.com/joshuapare/memtrack/provider/arena"
	"github.com/joshuapare/memtrack/tracker"
	"github.com/joshuapare/memtrack/tracking"
)

func newServeFixture(t *testing.T) (*tracker.Tracker, http.Handler, uintptr) {
	t.Helper()
	tr, err := tracker.New()
	require.NoError(t, err)
	t.Cleanup(tr.Destroy)

	up, err := arena.New(arena.Options{Name: "serve", Base: 0x10_0000, Size: 1 << 20})
	require.NoError(t, err)
	tp, err := tracking.New(up, pool.NewHandle("web"), tr)
	require.NoError(t, err)

	ptr, err := tp.Alloc(256, 16)
	require.NoError(t, err)
	return tr, newRouter(tr), ptr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Ranges(t *testing.T) {
	_, h, ptr := newServeFixture(t)

	rec := get(t, h, "/ranges")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count  int         `json:"count"`
		Bytes  uint        `json:"bytes"`
		Ranges []RangeView `json:"ranges"`
	}
	decodeJSON(t, rec.Body.String(), &body)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, uint(256), body.Bytes)
	require.Len(t, body.Ranges, 1)
	assert.Equal(t, "web", body.Ranges[0].Pool)
	assert.Equal(t, fmt.Sprintf("%#x", ptr), body.Ranges[0].Base)
}

func TestRouter_Lookup(t *testing.T) {
	_, h, ptr := newServeFixture(t)

	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{"base hex", "/lookup/0x100000", http.StatusOK},
		{"interior decimal", "/lookup/1048831", http.StatusOK},
		{"past end", "/lookup/0x100100", http.StatusNotFound},
		{"garbage", "/lookup/zzz", http.StatusBadRequest},
	}
	require.Equal(t, uintptr(0x10_0000), ptr)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.path)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode == http.StatusOK {
				var v RangeView
				decodeJSON(t, rec.Body.String(), &v)
				assert.Equal(t, "0x100000", v.Base)
				assert.Equal(t, "0x100100", v.End)
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	_, h, _ := newServeFixture(t)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memtrack_tracked_ranges")
	assert.Contains(t, rec.Body.String(), `memtrack_allocations_total{pool="web"}`)
}

func TestVersionCommand(t *testing.T) {
	resetFlags(t)
	output, err := captureOutput(t, func() error { return versionCmd.RunE(versionCmd, nil) })
	require.NoError(t, err)
	assert.Contains(t, output, "memtrackctl dev")

	jsonOut = true
	output, err = captureOutput(t, func() error { return versionCmd.RunE(versionCmd, nil) })
	require.NoError(t, err)
	var v map[string]string
	decodeJSON(t, output, &v)
	assert.Equal(t, "dev", v["version"])
}

func TestLoadStressConfig(t *testing.T) {
	cfg, err := loadStressConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultStressConfig(), cfg)

	_, err = loadStressConfig("/nonexistent/workload.yaml")
	require.Error(t, err)

	bad := defaultStressConfig()
	bad.MinSize = 1
	require.Error(t, bad.validate())
	bad = defaultStressConfig()
	bad.Mix = OpMix{Free: 1}
	require.Error(t, bad.validate())
	bad = defaultStressConfig()
	bad.MaxSize = 8
	require.Error(t, bad.validate())
}

func TestInitLogging(t *testing.T) {
	resetFlags(t)
	require.NoError(t, initLogging())

	logLevel = "debug"
	require.NoError(t, initLogging())

	logLevel = "loud"
	require.Error(t, initLogging())

	logLevel, logFormat = "info", "xml"
	require.Error(t, initLogging())
	logLevel, logFormat = "", "text"
	require.NoError(t, initLogging())
}
