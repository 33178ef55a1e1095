package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/identity-broker/internal/config"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      config.Limit
		errAssert assert.ErrorAssertionFunc
	}{
		{
			name:      "default limit",
			input:     "5/min",
			want:      config.Limit{Count: 5, Window: time.Minute},
			errAssert: assert.NoError,
		},
		{
			name:      "whitespace tolerated",
			input:     " 10 / min ",
			want:      config.Limit{Count: 10, Window: time.Minute},
			errAssert: assert.NoError,
		},
		{
			name:      "missing separator",
			input:     "5min",
			errAssert: assert.Error,
		},
		{
			name:      "zero count",
			input:     "0/min",
			errAssert: assert.Error,
		},
		{
			name:      "negative count",
			input:     "-3/min",
			errAssert: assert.Error,
		},
		{
			name:      "unknown window",
			input:     "5/hour",
			errAssert: assert.Error,
		},
		{
			name:      "empty",
			input:     "",
			errAssert: assert.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := config.ParseLimit(tt.input)
			tt.errAssert(t, err)
			if err == nil {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestStoreValidate(t *testing.T) {
	tests := []struct {
		name      string
		store     config.Store
		errAssert assert.ErrorAssertionFunc
	}{
		{
			name:      "memory",
			store:     config.Store{Backend: config.BackendMemory},
			errAssert: assert.NoError,
		},
		{
			name:      "sqlite with path",
			store:     config.Store{Backend: config.BackendSQLite, SQLitePath: "/tmp/broker.db"},
			errAssert: assert.NoError,
		},
		{
			name:      "sqlite without path",
			store:     config.Store{Backend: config.BackendSQLite},
			errAssert: assert.Error,
		},
		{
			name:      "no backend",
			store:     config.Store{},
			errAssert: assert.Error,
		},
		{
			name:      "unknown backend",
			store:     config.Store{Backend: config.Backend("mongodb")},
			errAssert: assert.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.errAssert(t, tt.store.Validate())
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			Store: config.Store{Backend: config.BackendMemory},
			Broker: config.Broker{
				PublicURL:     "https://broker.example.com",
				LimitPerEmail: "5/min",
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("missing public URL", func(t *testing.T) {
		cfg := valid()
		cfg.Broker.PublicURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("relative public URL", func(t *testing.T) {
		cfg := valid()
		cfg.Broker.PublicURL = "/broker"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad limit", func(t *testing.T) {
		cfg := valid()
		cfg.Broker.LimitPerEmail = "lots"
		assert.Error(t, cfg.Validate())
	})
}
