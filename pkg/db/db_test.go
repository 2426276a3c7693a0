package db

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"

	"pledgerun/pkg/config"
)

func TestDialect(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Type = "postgres"
	cfg.Database.Host = "db"
	cfg.Database.Port = "5432"
	cfg.Database.DBNAME = "pledgerun"

	d, err := Dialect(cfg)
	require.NoError(t, err)
	pg, ok := d.(*postgres.Dialector)
	require.True(t, ok)
	require.Equal(t, "pledgerun", getDBNameFromDialector(pg))

	cfg.Database.Type = "sqlite"
	cfg.Database.DBNAME = ""
	d, err = Dialect(cfg)
	require.NoError(t, err)
	_, ok = d.(*sqlite.Dialector)
	require.True(t, ok)

	cfg.Database.Type = "oracle"
	_, err = Dialect(cfg)
	require.Error(t, err)
}

func TestExtractDBNameFromDSN(t *testing.T) {
	require.Equal(t, "ledger", extractDBNameFromDSN("host=x dbname=ledger sslmode=disable"))
	require.Equal(t, "ledger", extractDBNameFromDSN("u:p@tcp(h:3306)/ledger?parseTime=True"))
	require.Equal(t, "unknown", extractDBNameFromDSN("host=x"))
}
