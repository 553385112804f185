package reqid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx, id := NewContext(context.Background())
	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}

func TestWithID(t *testing.T) {
	const id = "6F9619FF-8B86-D011-B42D-00C04FC964FF"
	_, got := WithID(context.Background(), id)
	require.Equal(t, "6f9619ff-8b86-d011-b42d-00c04fc964ff", got)

	_, got = WithID(context.Background(), "not-a-uuid")
	require.NotEqual(t, "not-a-uuid", got)
	require.Len(t, got, 36)
}

func TestEnsure(t *testing.T) {
	ctx, id := NewContext(context.Background())
	same, got := Ensure(ctx)
	require.Equal(t, id, got)
	require.Equal(t, ctx, same)

	_, fresh := Ensure(context.Background())
	require.NotEmpty(t, fresh)
}
