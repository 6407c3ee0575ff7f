package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayScenario(t *testing.T) {
	run, err := playScenario()
	require.NoError(t, err)
	require.NotEmpty(t, run.steps)

	for _, st := range run.steps {
		assert.True(t, st.Passed, "%s %s: want %s, got %s", st.Op, st.Addr, st.Want, st.Got)
	}
	assert.Zero(t, run.failed())
}

func TestScenarioCommand(t *testing.T) {
	tests := []struct {
		name        string
		json        bool
		wantContain []string
	}{
		{
			name:        "text",
			wantContain: []string{"split 4096 at 1024", "P1", "not found", "ok"},
		},
		{
			name: "json",
			json: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags(t)
			jsonOut = tt.json

			output, err := captureOutput(t, runScenario)
			require.NoError(t, err)

			if tt.json {
				var steps []ScenarioStep
				decodeJSON(t, output, &steps)
				require.NotEmpty(t, steps)
				assert.Equal(t, "alloc P1 4096", steps[0].Op)
				return
			}
			assert.NotContains(t, output, "FAIL")
			for _, want := range tt.wantContain {
				assert.True(t, strings.Contains(output, want), "missing %q in:\n%s", want, output)
			}
		})
	}
}
