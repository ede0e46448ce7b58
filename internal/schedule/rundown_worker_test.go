package schedule

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"playout-server/internal/conductor"
	"playout-server/internal/infra/async"
	"playout-server/internal/infra/clock"
	"playout-server/internal/timeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldActivate(t *testing.T) {
	worker := NewRundownWorker(time.NewTicker(time.Hour), nil, nil)
	defer worker.Shutdown()

	at := time.Date(2026, 8, 6, 18, 0, 30, 0, time.UTC)

	hit, err := worker.shouldActivate("0 18 * * *", at)
	require.NoError(t, err)
	assert.True(t, hit)

	miss, err := worker.shouldActivate("0 6 * * *", at)
	require.NoError(t, err)
	assert.False(t, miss)

	_, err = worker.shouldActivate("not a cron", at)
	assert.Error(t, err)
}

func TestLoadTimelineFile(t *testing.T) {
	dir := t.TempDir()

	bare := filepath.Join(dir, "bare.json")
	require.NoError(t, os.WriteFile(bare, []byte(`[
		{"id": "amb0", "layer": "pgm",
		 "enable": {"start": 10000, "duration": 2000},
		 "content": {"deviceType": "mediaserver", "media": {"clip": "AMB"}}}
	]`), 0o644))

	objects, err := LoadTimelineFile(bare)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "amb0", objects[0].ID)

	wrapped := filepath.Join(dir, "wrapped.json")
	require.NoError(t, os.WriteFile(wrapped, []byte(`{"objects": [
		{"id": "x", "layer": "pgm", "enable": {"while": "1"},
		 "content": {"deviceType": "mediaserver", "media": {"clip": "LOOP", "loop": true}}}
	]}`), 0o644))

	objects, err = LoadTimelineFile(wrapped)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "x", objects[0].ID)

	_, err = LoadTimelineFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestActivateReplacesConductorTimeline(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "show.json")
	require.NoError(t, os.WriteFile(file, []byte(`[
		{"id": "show0", "layer": "pgm", "enable": {"while": "1"},
		 "content": {"deviceType": "mediaserver", "media": {"clip": "SHOW", "loop": true}}}
	]`), 0o644))

	broker := async.NewLocalBroker()
	defer broker.Stop()
	cond := conductor.New(
		clock.NewMockClock(10000),
		timeline.NewService(timeline.NewSimpleResolver()),
		broker,
		conductor.Options{},
	)
	defer cond.Shutdown()

	worker := NewRundownWorker(time.NewTicker(time.Hour), []Rundown{
		{Name: "evening show", Schedule: "0 18 * * *", TimelineFile: file},
	}, cond)
	defer worker.Shutdown()
	worker.setupOtelCounters()

	worker.activate(context.Background(), worker.rundowns[0])

	tl := cond.Timeline()
	require.Len(t, tl, 1)
	assert.Equal(t, "show0", tl[0].ID)
}
