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
	parsed1, err := goUUID.Parse(id1)
	require.NoError(t, err)
	parsed2, err := goUUID.Parse(id2)
	require.NoError(t, err)

	require.Equal(t, goUUID.Version(7), parsed1.Version())
	// v7 ids generated in order compare in order.
	require.Less(t, parsed1.String(), parsed2.String())
}
