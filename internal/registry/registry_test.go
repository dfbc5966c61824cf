package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellflow/internal/domain"
)

func constant(v int) Func {
	return func(ctx context.Context, params domain.Params) (domain.Result, error) {
		return domain.Result{"v": v}, nil
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("one", constant(1)))

	fn, ok := r.Get("one")
	require.True(t, ok)
	res, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res["v"])
	assert.True(t, r.Has("one"))
}

func TestRegisterReplaces(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("job", constant(1)))
	require.NoError(t, r.Register("job", constant(2)))

	fn, ok := r.Get("job")
	require.True(t, ok)
	res, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res["v"])
	assert.Equal(t, []string{"job"}, r.List())
}

func TestGetUnknown(t *testing.T) {
	r := New()
	fn, ok := r.Get("missing")
	assert.False(t, ok)
	assert.Nil(t, fn)
	assert.False(t, r.Has("missing"))
}

func TestRegisterRejectsMisuse(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register("  ", constant(1)), ErrEmptyName)
	assert.ErrorIs(t, r.Register("x", nil), ErrNilFunc)
	assert.Empty(t, r.List())
	assert.Panics(t, func() { r.MustRegister("", constant(1)) })
}

func TestRegisterRejectsPaddedName(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register(" echo ", constant(1)), ErrBadName)
	assert.ErrorIs(t, r.Register("echo\n", constant(1)), ErrBadName)
	assert.False(t, r.Has(" echo "))
	assert.False(t, r.Has("echo"))
	assert.Empty(t, r.List())

	require.NoError(t, r.Register("echo", constant(1)))
	_, ok := r.Get("echo")
	assert.True(t, ok)
}

func TestListSorted(t *testing.T) {
	r := New()
	for _, n := range []string{"c", "a", "b"} {
		r.MustRegister(n, constant(0))
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.List())
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.MustRegister(fmt.Sprintf("t%d", i), constant(i))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Get(fmt.Sprintf("t%d", i))
			_ = r.List()
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.List(), 16)
}
