package bedrockbot

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		dbPath,
		newLogHandler(slog.LevelWarn),
		DefaultDatabaseSlowThreshold,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestCreateDB_Migrates(t *testing.T) {
	db := setupTestDB(t)
	assert.True(t, db.Migrator().HasTable(&CommandRecord{}))
	assert.True(t, db.Migrator().HasTable(&LLMRequest{}))
}

func TestCreateDB_UnsupportedType(t *testing.T) {
	_, err := CreateDB(
		context.Background(),
		"mysql",
		"whatever",
		nil,
		DefaultDatabaseSlowThreshold,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestDatabase_RecentCommands(t *testing.T) {
	db := setupTestDB(t)
	writeDB := NewDatabase(db, nil, false)
	ctx := context.Background()

	base := time.Now().UTC().UnixMilli()
	for i := 0; i < 5; i++ {
		userID := "u1"
		if i%2 == 1 {
			userID = "u2"
		}
		rec := NewCommandRecord(
			IncomingMessage{UserID: userID, Username: "someone", ChannelID: "c1"},
			ParsedCommand{Name: commandAsk, Argument: fmt.Sprintf("question %d", i)},
		)
		rec.StartedAt = base + int64(i)
		_, err := writeDB.Create(ctx, rec)
		require.NoError(t, err)
	}

	all, err := writeDB.RecentCommands(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "question 4", all[0].Argument)
	assert.Equal(t, "question 0", all[4].Argument)

	u2, err := writeDB.RecentCommands(ctx, "u2", 0)
	require.NoError(t, err)
	require.Len(t, u2, 2)
	assert.Equal(t, "question 3", u2[0].Argument)
	assert.Equal(t, "question 1", u2[1].Argument)

	limited, err := writeDB.RecentCommands(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDatabase_LLMRequestsLinkedToCommand(t *testing.T) {
	db := setupTestDB(t)
	writeDB := NewDatabase(db, nil, true)
	ctx := context.Background()

	rec := NewCommandRecord(
		IncomingMessage{UserID: "u1", ChannelID: "c1"},
		ParsedCommand{Name: commandSummarize, Argument: "text"},
	)
	_, err := writeDB.Create(ctx, rec)
	require.NoError(t, err)

	reqCtx := withCommandRecordID(ctx, rec.ID)
	_, err = writeDB.Create(
		ctx,
		&LLMRequest{
			CommandRecordID: commandRecordIDFromContext(reqCtx),
			Provider:        LLMProviderBedrock,
			ModelID:         testModelA,
			InputTokens:     10,
			OutputTokens:    20,
		},
	)
	require.NoError(t, err)

	_, err = writeDB.Updates(
		ctx,
		rec,
		map[string]any{"state": CommandStateCompleted, "response": "Summary: ok"},
	)
	require.NoError(t, err)

	records, err := writeDB.RecentCommands(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, CommandStateCompleted, records[0].State)
	assert.Equal(t, "Summary: ok", records[0].Response)
	require.Len(t, records[0].LLMRequests, 1)
	assert.Equal(t, 20, records[0].LLMRequests[0].OutputTokens)
}

func TestCommandRecordIDFromContext(t *testing.T) {
	assert.Nil(t, commandRecordIDFromContext(context.Background()))
	id := commandRecordIDFromContext(withCommandRecordID(context.Background(), "abc"))
	require.NotNil(t, id)
	assert.Equal(t, "abc", *id)
}
