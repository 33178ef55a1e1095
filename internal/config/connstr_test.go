package config_test

import (
	"testing"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/identity-broker/internal/config"
)

func TestMakeConnStr(t *testing.T) {
	// given
	db := config.Database{
		Name:     "broker",
		Port:     "5432",
		Host:     commoncfg.SourceRef{Source: "embedded", Value: "db.internal"},
		User:     commoncfg.SourceRef{Source: "embedded", Value: "broker"},
		Password: commoncfg.SourceRef{Source: "embedded", Value: "hunter2"},
	}

	// when
	connStr, err := config.MakeConnStr(db)

	// then
	require.NoError(t, err)
	assert.Equal(t, "host=db.internal port=5432 dbname=broker user=broker password=hunter2", connStr)

	// sslmode is appended only when configured
	db.SSLMode = "verify-full"

	connStr, err = config.MakeConnStr(db)
	require.NoError(t, err)
	assert.Equal(t, "host=db.internal port=5432 dbname=broker user=broker password=hunter2 sslmode=verify-full", connStr)
}
