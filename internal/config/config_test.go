package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("SQLITE_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreDriverSQLite, cfg.StoreDriver)
	assert.Contains(t, cfg.SQLitePath, "settlement.db")
	assert.Equal(t, 5, cfg.MaxSubmitAttempts)
	assert.Equal(t, 10*time.Minute, cfg.AmbiguousGrace)
	assert.Equal(t, int32(6), cfg.AmountDecimals)
}

func TestLoadPostgresFromDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/settlement")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("BACKOFF_BASE", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffBase)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"STORE_DRIVER", "mysql"},
		{"LEDGER_DRIVER", "grpc"},
		{"MAX_SUBMIT_ATTEMPTS", "0"},
		{"SUBMIT_INTERVAL", "soon"},
		{"AMOUNT_DECIMALS", "x"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv("DB_SOURCE", "")
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
