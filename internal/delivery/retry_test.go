package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryTimersStopGivesUpAtDeadline(t *testing.T) {
	r := newRetryTimers()
	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, r.after(0, func() {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.stop(ctx), context.DeadlineExceeded)
	assert.False(t, r.after(0, func() {}))

	close(release)
	assert.NoError(t, r.stop(context.Background()))
}

func TestRetryTimersStopCancelsUnfired(t *testing.T) {
	r := newRetryTimers()
	fired := make(chan struct{}, 1)
	require.True(t, r.after(time.Hour, func() { fired <- struct{}{} }))
	require.Equal(t, 1, r.pending())

	require.NoError(t, r.stop(context.Background()))
	assert.Equal(t, 0, r.pending())
	assert.Empty(t, fired)
}
