// Package mutestore_test contains tests for the mutestore package.
package mutestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/qwatch/mutestore"
)

func TestMemoryMuteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := mutestore.NewMemory()

	ids, err := store.Muted(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, store.Mute(ctx, "alert-1"))
	require.NoError(t, store.Mute(ctx, "alert-2"))
	require.NoError(t, store.Mute(ctx, "alert-1")) // duplicate mute is fine

	ids, err = store.Muted(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alert-1", "alert-2"}, ids)

	require.NoError(t, store.Unmute(ctx, "alert-1"))
	require.NoError(t, store.Unmute(ctx, "never-muted")) // no-op

	ids, err = store.Muted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alert-2"}, ids)
}
