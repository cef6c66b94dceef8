package scenario

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/load-engine/internal/vu"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var got Params
	r.Register("b", func(p Params) vu.Scenario {
		got = p
		return func(context.Context, *vu.ExecutionContext) error { return nil }
	})
	r.Register("a", func(Params) vu.Scenario { return nil })

	assert.Equal(t, []string{"a", "b"}, r.List())
	assert.True(t, r.Has("b"))
	assert.False(t, r.Has("c"))

	s, err := r.New("b", Params{Transactions: 3})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 3, got.Transactions)

	_, err = r.New("a", Params{})
	assert.Error(t, err)

	_, err = r.New("missing", Params{})
	assert.ErrorIs(t, err, ErrUnknownScenario)
	assert.Contains(t, err.Error(), "[a b]")
}
