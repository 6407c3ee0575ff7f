package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memtrack/pool"
)

func TestGlobal_Lifecycle(t *testing.T) {
	t.Cleanup(func() {
		globalMu.Lock()
		g := global
		globalMu.Unlock()
		Fini(g)
	})

	first, err := Get()
	require.NoError(t, err)
	again, err := Init()
	require.NoError(t, err)
	assert.Same(t, first, again, "Init after first use returns the singleton")

	require.NoError(t, first.RecordAlloc(testBase, 64, pool.NewHandle("p")))

	Fini(first)
	Fini(first) // already destroyed
	Fini(nil)

	_, err = first.GetPool(testBase)
	require.ErrorIs(t, err, ErrInvalidArgument, "destroyed handle is unusable")

	fresh, err := Get()
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
	assert.Zero(t, fresh.Len())
}

func TestGlobal_FiniForeignHandle(t *testing.T) {
	g, err := Get()
	require.NoError(t, err)
	t.Cleanup(func() { Fini(g) })

	other, err := New()
	require.NoError(t, err)
	Fini(other)

	still, err := Get()
	require.NoError(t, err)
	assert.Same(t, g, still, "destroying another tracker keeps the singleton")
}
