package cmd

import (
	"bytes"
	"github.com/arcward/bedrockbot/bedrockbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	isolateConfig(t)

	dbPath := filepath.Join(t.TempDir(), "data", "test.db")
	t.Setenv("BWB_DATABASE_TYPE", "sqlite")
	t.Setenv("BWB_DATABASE", dbPath)

	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
		},
	)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Database initialized (sqlite)")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)

	assert.True(t, db.Migrator().HasTable(&bedrockbot.CommandRecord{}))
	assert.True(t, db.Migrator().HasTable(&bedrockbot.LLMRequest{}))
}
