package blocking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authwatch/internal/model"
)

func TestSweepDeactivatesExpiredBlocks(t *testing.T) {
	blocks := newFakeBlockRepo()
	actions := &fakeActionRepo{}
	sink := &fakeDirectiveSink{}
	engine := newTestEngine(newFakeRuleRepo(), blocks, actions, sink)

	_, err := engine.Block(context.Background(), BlockRequest{
		Address:     "198.51.100.7",
		Reason:      "short block",
		Duration:    time.Minute,
		AutoUnblock: true,
		Actor:       ActorEngine,
	})
	require.NoError(t, err)

	sweeper := NewSweeper(blocks, actions, sink, time.Minute, zap.NewNop())
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	swept, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	active, err := blocks.GetActive(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.Nil(t, active)

	// block + expire audit rows.
	require.Len(t, actions.actions, 2)
	expire := actions.actions[1]
	assert.Equal(t, model.ActionExpire, expire.Action)
	assert.Equal(t, ActorSweeper, expire.Actor)
	assert.Equal(t, "block expired", expire.Reason)

	directives := sink.all()
	require.Len(t, directives, 2)
	assert.Equal(t, "allow", directives[1].Action)
}

func TestSweepSkipsUnexpiredAndPermanentBlocks(t *testing.T) {
	blocks := newFakeBlockRepo()
	actions := &fakeActionRepo{}
	sink := &fakeDirectiveSink{}
	engine := newTestEngine(newFakeRuleRepo(), blocks, actions, sink)

	_, err := engine.Block(context.Background(), BlockRequest{
		Address:     "198.51.100.7",
		Reason:      "long block",
		Duration:    24 * time.Hour,
		AutoUnblock: true,
		Actor:       ActorEngine,
	})
	require.NoError(t, err)

	_, err = engine.Block(context.Background(), BlockRequest{
		Address: "203.0.113.4",
		Reason:  "permanent block",
		Actor:   "operator",
	})
	require.NoError(t, err)

	sweeper := NewSweeper(blocks, actions, sink, time.Minute, zap.NewNop())
	sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }

	swept, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	for _, address := range []string{"198.51.100.7", "203.0.113.4"} {
		active, err := blocks.GetActive(context.Background(), address)
		require.NoError(t, err)
		assert.NotNil(t, active, "block for %s must survive the sweep", address)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	blocks := newFakeBlockRepo()
	actions := &fakeActionRepo{}
	engine := newTestEngine(newFakeRuleRepo(), blocks, actions, &fakeDirectiveSink{})

	_, err := engine.Block(context.Background(), BlockRequest{
		Address:     "198.51.100.7",
		Reason:      "short block",
		Duration:    time.Minute,
		AutoUnblock: true,
		Actor:       ActorEngine,
	})
	require.NoError(t, err)

	sweeper := NewSweeper(blocks, actions, nil, time.Minute, zap.NewNop())
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	swept, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	swept, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}
