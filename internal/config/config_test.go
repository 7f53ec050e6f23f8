package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"TroveLedger/internal/config"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "troveledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_ParamsMatchProtocolDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	p, err := cfg.Params()
	require.NoError(t, err)
	assert.Equal(t, state.DefaultParams(), p)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
redis_addr: localhost:6379
kafka:
  brokers: ["k1:9092", " k2:9092 "]
persist:
  batch_size: 200
  flush_timeout: 25ms
snapshot:
  interval: 5000
protocol:
  mcr: "1.2"
  min_net_debt: "2000.5"
  max_price_age: 30m
`)
	t.Setenv("TROVE_PERSIST_BATCH_SIZE", "75")
	t.Setenv("TROVE_NODE_ID", "7")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "trove.ledger.events", cfg.Kafka.Topic, "untouched defaults survive")
	assert.Equal(t, 75, cfg.Persist.BatchSize, "env wins over the file")
	assert.Equal(t, 25*time.Millisecond, cfg.Persist.FlushTimeout)
	assert.Equal(t, int64(5000), cfg.Snapshot.Interval)
	assert.Equal(t, int64(7), cfg.NodeID)

	p, err := cfg.Params()
	require.NoError(t, err)
	assert.True(t, p.MCR.Eq(fpmath.MustParseAmount("1.2")))
	assert.True(t, p.MinNetDebt.Eq(fpmath.MustParseAmount("2000.5")))
	assert.True(t, p.CCR.Eq(state.DefaultParams().CCR))
	assert.Equal(t, 30*time.Minute, p.MaxPriceAge)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "persist:\n  batchsize: 10\n",
		"mcr below one":  "protocol:\n  mcr: \"0.9\"\n",
		"bad amount":     "protocol:\n  gas_compensation: lots\n",
		"ccr below mcr":  "protocol:\n  mcr: \"1.5\"\n  ccr: \"1.2\"\n",
		"zero channel":   "channels:\n  persist: 0\n",
		"node id range":  "node_id: 4096\n",
		"divisor of one": "protocol:\n  coll_gas_comp_divisor: 1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("TROVE_SNAPSHOT_INTERVAL", "often")
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
