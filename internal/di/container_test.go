package di

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestContainer_CloseIsNilSafe mirrors the teacher's wire_test.go Cleanup
// idiom (stop workers, then close every database) but as a standalone
// guarantee: a partially-built Container (as Wire would leave behind on a
// mid-stage error) must tear down without panicking on its nil fields.
func TestContainer_CloseIsNilSafe(t *testing.T) {
	c := &Container{Log: zerolog.Nop()}
	require.NotPanics(t, func() {
		require.NoError(t, c.Close(context.Background()))
	})
}
