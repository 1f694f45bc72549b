package compile_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"riskengine/core/compile"
	"riskengine/core/function"
	"riskengine/core/marketdata"
	"riskengine/core/value"
)

func TestCacheReusesCompilation(t *testing.T) {
	reg := newRegistry(t)
	c := compile.NewCache(compile.NewCompiler(reg, marketdata.NewStore(),
		compile.WithLogger(zap.NewNop()), compile.WithMaxValidity(time.Hour)))
	p := portfolio(position("A", "ACME", "USD", 10))
	view := pvView(value.Empty(), false)

	first, err := c.Get(context.Background(), p, view, at)
	require.NoError(t, err)
	again, err := c.Get(context.Background(), p, view, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Same(t, first, again)

	expired, err := c.Get(context.Background(), p, view, at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, expired.ID)

	reg.MustRegister(&function.Definition{
		ID:         "extra",
		TargetType: value.TargetPrimitive,
		Results:    func(*function.CompilationContext, value.ComputationTarget) []value.ValueSpecification { return nil },
		Invoke:     func(context.Context, *function.Invocation) ([]value.ComputedValue, error) { return nil, nil },
	})
	bumped, err := c.Get(context.Background(), p, view, at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, expired.ID, bumped.ID)
	assert.Equal(t, reg.Version(), bumped.RegistryVersion)

	c.Invalidate(view.Name)
	assert.Equal(t, 0, c.Len())
}

func TestCacheEvictsSupersededCompilations(t *testing.T) {
	reg := newRegistry(t)
	c := compile.NewCache(compile.NewCompiler(reg, marketdata.NewStore(), compile.WithLogger(zap.NewNop())))
	p := portfolio(position("A", "ACME", "USD", 10))
	view := pvView(value.Empty(), false)

	first, err := c.Get(context.Background(), p, view, at)
	require.NoError(t, err)

	v2 := pvView(value.Empty(), false)
	v2.Version = "2"
	second, err := c.Get(context.Background(), p, v2, at)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, c.Len())

	p2 := portfolio(position("A", "ACME", "USD", 20))
	p2.Version = "2"
	_, err = c.Get(context.Background(), p2, v2, at)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	reg.MustRegister(&function.Definition{
		ID:         "extra",
		TargetType: value.TargetPrimitive,
		Results:    func(*function.CompilationContext, value.ComputationTarget) []value.ValueSpecification { return nil },
		Invoke:     func(context.Context, *function.Invocation) ([]value.ComputedValue, error) { return nil, nil },
	})
	_, err = c.Get(context.Background(), p2, v2, at)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	other := portfolio(position("B", "ACME", "USD", 5))
	other.ID = value.NewUniqueID("Port", "P2")
	_, err = c.Get(context.Background(), other, v2, at)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len(), "each portfolio keeps its own compilation")
}

func TestCacheSharesConcurrentCompilations(t *testing.T) {
	c := compile.NewCache(compile.NewCompiler(newRegistry(t), marketdata.NewStore(), compile.WithLogger(zap.NewNop())))
	p := portfolio(position("A", "ACME", "USD", 10))
	view := pvView(value.Empty(), false)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cv, err := c.Get(context.Background(), p, view, at)
			if err == nil {
				ids[i] = cv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, c.Len())
}
