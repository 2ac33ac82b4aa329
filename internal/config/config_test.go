package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefault_Values(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, 60000, cfg.Workers.TimeoutMS)
	assert.Equal(t, 1536, cfg.Workers.MaxRSSMB)
	assert.Equal(t, "default", cfg.Index.StoreName)
	assert.Equal(t, 12, cfg.Index.EmbedBatchSize)
	assert.Equal(t, 500, cfg.Index.FlushRows)
	assert.Equal(t, 200, cfg.Search.CandidateK)
	assert.Equal(t, 50, cfg.Search.RerankDepth)
	assert.Equal(t, 20, cfg.Search.RRFConstant)
	assert.GreaterOrEqual(t, cfg.Workers.Count, 1)
	assert.LessOrEqual(t, cfg.Workers.Count, 4)
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("OSGREP_PORT", "9999")
	t.Setenv("OSGREP_WORKER_TIMEOUT_MS", "1500")
	t.Setenv("MXBAI_STORE", "scratch")
	t.Setenv("OSGREP_ENABLE_WATCH", "true")

	cfg := Default()
	cfg.applyEnv()

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 1500, cfg.Workers.TimeoutMS)
	assert.Equal(t, "scratch", cfg.Index.StoreName)
	assert.True(t, cfg.Index.Watch)
}

func TestApplyEnv_IgnoresInvalid(t *testing.T) {
	t.Setenv("OSGREP_PORT", "not-a-port")
	t.Setenv("OSGREP_WORKER_TIMEOUT_MS", "-5")

	cfg := Default()
	cfg.applyEnv()

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, 60000, cfg.Workers.TimeoutMS)
}

func TestFillZeros_RestoresDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.fillZeros()

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "default", cfg.Index.StoreName)
	assert.Equal(t, 500, cfg.Index.FlushRows)
}

func TestWorkerTimeout_Duration(t *testing.T) {
	cfg := Default()
	cfg.Workers.TimeoutMS = 2500
	assert.Equal(t, 2500*time.Millisecond, cfg.WorkerTimeout())
}
