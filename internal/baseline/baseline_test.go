package baseline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggest(t *testing.T) {
	assert.Equal(t, 50.0, Suggest(100, 0.5))
	assert.Equal(t, 12.3, Suggest(41.07, 0.3))
	assert.Zero(t, Suggest(0, 0.5))
	assert.Zero(t, Suggest(100, 0))
}

func TestNewAppliesDefaults(t *testing.T) {
	p := New(Config{ServerCount: 2, FullTestServers: 5, ThresholdRatio: 3})
	assert.Equal(t, 2, p.cfg.FullTestServers)
	assert.Equal(t, 0.5, p.cfg.ThresholdRatio)
	assert.Equal(t, 4, p.cfg.MaxConnections)
}

func TestAverageAndFastest(t *testing.T) {
	runs := []serverRun{
		{download: 100, upload: 10, ping: 30 * time.Millisecond},
		{download: 50, upload: 20, ping: 10 * time.Millisecond},
		{download: 80, ping: 10 * time.Millisecond},
	}
	avg := average(runs)
	assert.InDelta(t, 76.67, avg.download, 0.01)
	assert.InDelta(t, 10, avg.upload, 0.01)
	assert.Equal(t, 50*time.Millisecond/3, avg.ping)

	assert.Equal(t, 80.0, fastest(runs).download)
	assert.Equal(t, serverRun{}, average(nil))
}

func TestRunHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
