package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"bourse/domain/orderbook"
)

func TestDefaults(t *testing.T) {
	t.Setenv("BOURSE_CONFIG", "")
	cfg, err := Load("")
	assert.NilError(t, err)

	assert.Equal(t, cfg.GRPC.Addr, ":50051")
	assert.Equal(t, cfg.Engine.SweepInterval, time.Second)
	assert.DeepEqual(t, cfg.Kafka.Brokers, []string{"localhost:9092"})

	p, err := cfg.SelfTradePolicy()
	assert.NilError(t, err)
	assert.Equal(t, p, orderbook.SelfTradeFlag)

	rate, err := cfg.FeeRate()
	assert.NilError(t, err)
	assert.Equal(t, rate.String(), "0.01")
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bourse.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(`
settlement:
  timeout: 45s
  fee_rate: "0.005"
engine:
  self_trade_policy: prevent
kafka:
  events_topic: from-file
`), 0o600))
	t.Setenv("BOURSE_KAFKA_EVENTS_TOPIC", "from-env")
	t.Setenv("BOURSE_STORE_DIR", "/var/lib/bourse")

	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Settlement.Timeout, 45*time.Second)
	assert.Equal(t, cfg.Settlement.FeeRate, "0.005")
	assert.Equal(t, cfg.Engine.SelfTradePolicy, "prevent")
	assert.Equal(t, cfg.Kafka.EventsTopic, "from-env")
	assert.Equal(t, cfg.Store.Dir, "/var/lib/bourse")
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"BOURSE_SETTLEMENT_FEE_RATE":             "1",
		"BOURSE_SETTLEMENT_TIMEOUT":              "0s",
		"BOURSE_ENGINE_SELF_TRADE_POLICY":        "sometimes",
		"BOURSE_LOG_LEVEL":                       "chatty",
		"BOURSE_SETTLEMENT_COMPENSATION_TIMEOUT": "-1s",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("BOURSE_CONFIG", "")
			t.Setenv(key, val)
			_, err := Load("")
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}
