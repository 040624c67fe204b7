package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	_, err = goUUID.Parse(id1)
	require.NoError(t, err)
}

func TestGeneratorNewJobID(t *testing.T) {
	t.Parallel()

	id, err := New().NewJobID()
	require.NoError(t, err)
	require.Len(t, id, 32)
	require.NotContains(t, id, "-")
	_, err = goUUID.Parse(id)
	require.NoError(t, err)
}
