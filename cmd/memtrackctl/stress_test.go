package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memtrack/tracker"
)

func smallStressConfig() StressConfig {
	cfg := defaultStressConfig()
	cfg.Workers = 4
	cfg.Ops = 2000
	cfg.Pools = 3
	cfg.MaxSize = 1024
	cfg.Arena.Base = 0x2000_0000
	cfg.Arena.Size = 1 << 24
	return cfg
}

func TestStressWorkload(t *testing.T) {
	cfg := smallStressConfig()

	res, err := stressWorkload(context.Background(), cfg)
	require.NoError(t, err)

	assert.Positive(t, res.Allocs)
	assert.Positive(t, res.Splits)
	assert.Positive(t, res.Merges)
	assert.Zero(t, res.OutOfMemory)

	tr, err := tracker.Get()
	require.NoError(t, err)
	for _, r := range tr.Ranges() {
		assert.NotContains(t, r.Pool.Label(), "stress-", "stress pools release everything")
	}
}

func TestStressWorkload_TinyArena(t *testing.T) {
	cfg := smallStressConfig()
	cfg.Arena.Base = 0x3000_0000
	cfg.Arena.Size = 64 << 10
	cfg.Mix = OpMix{Alloc: 90, Free: 5, Split: 5}

	res, err := stressWorkload(context.Background(), cfg)
	require.NoError(t, err)
	assert.Positive(t, res.OutOfMemory, "exhaustion is reported, not fatal")
}

func TestStressWorkload_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := smallStressConfig()
	cfg.Arena.Base = 0x4000_0000
	_, err := stressWorkload(ctx, cfg)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStressCommand(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "workload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 2
ops: 500
pools: 2
arena:
  base: 0x50000000
  size: 16777216
`), 0o600))

	stressConfigPath = path
	stressOps = 300

	cfg, err := stressConfigFromFlags()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 300, cfg.Ops, "flags override the file")

	output, err := captureOutput(t, func() error { return runStress(context.Background(), cfg) })
	require.NoError(t, err)
	assert.Contains(t, output, "allocs:")
	assert.Contains(t, output, "verified:")

	jsonOut = true
	output, err = captureOutput(t, func() error { return runStress(context.Background(), cfg) })
	require.NoError(t, err)
	var res StressResult
	decodeJSON(t, output, &res)
	assert.Equal(t, 2, res.Config.Pools)
}
