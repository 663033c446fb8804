package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixture_PlaysBackResponsesInOrder(t *testing.T) {
	f := &Fixture{Responses: []string{"first", "second"}}

	got, err := f.Complete(context.Background(), "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	got, err = f.Complete(context.Background(), "p2", 0)
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	assert.Equal(t, []string{"p1", "p2"}, f.Prompts)
}

func TestFixture_ExhaustedReturnsError(t *testing.T) {
	f := &Fixture{Responses: []string{"only"}}
	_, _ = f.Complete(context.Background(), "p1", 0)

	_, err := f.Complete(context.Background(), "p2", 0)
	assert.Error(t, err)
}
