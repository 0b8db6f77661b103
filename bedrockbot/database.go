package bedrockbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	commandRecordIDContextKey contextKey = "command_record_id"

	defaultRecentCommandsLimit = 50
	maxRecentCommandsLimit     = 500
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// CommandState describes how far a command got
type CommandState string

const (
	CommandStateReceived   CommandState = "received"
	CommandStateInProgress CommandState = "in_progress"
	CommandStateCompleted  CommandState = "completed"
	CommandStateFailed     CommandState = "failed"
)

// CommandRecord is the audit log entry for a single chat command.
// Session state itself is never written to the database.
type CommandRecord struct {
	ID string `gorm:"primaryKey" json:"id"`
	ModelUnixTime

	UserID    string `gorm:"index" json:"user_id"`
	Username  string `json:"username"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	MessageID string `json:"message_id"`

	Command  string `gorm:"index" json:"command"`
	Argument string `json:"argument,omitempty"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`

	State    CommandState `gorm:"index" json:"state"`
	Attempts int          `json:"attempts"`

	StartedAt  int64  `json:"started_at"`
	FinishedAt *int64 `json:"finished_at,omitempty"`

	LLMRequests []LLMRequest `gorm:"foreignKey:CommandRecordID" json:"llm_requests,omitempty"`
}

// NewCommandRecord returns a received CommandRecord for a parsed command
func NewCommandRecord(msg IncomingMessage, cmd ParsedCommand) *CommandRecord {
	return &CommandRecord{
		ID:        uuid.NewString(),
		UserID:    msg.UserID,
		Username:  msg.Username,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
		MessageID: msg.MessageID,
		Command:   cmd.Name,
		Argument:  truncate(cmd.Argument, 4000),
		State:     CommandStateReceived,
		StartedAt: time.Now().UTC().UnixMilli(),
	}
}

func (c CommandRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String(logAttrUserID, c.UserID),
		slog.String(logAttrCommand, c.Command),
		slog.String("state", string(c.State)),
		slog.Int("attempts", c.Attempts),
	)
}

// LLMRequest records a single upstream model request
type LLMRequest struct {
	ModelUintID
	ModelUnixTime

	CommandRecordID *string `gorm:"index" json:"command_record_id,omitempty"`

	Provider       string `json:"provider"`
	ModelID        string `gorm:"index" json:"model_id"`
	PromptLength   int    `json:"prompt_length"`
	ResponseLength int    `json:"response_length"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	StopReason     string `json:"stop_reason,omitempty"`
	RequestStarted int64  `json:"request_started"`
	DurationMillis int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

// withCommandRecordID sets the ID used to link LLMRequest records to the
// command that made them
func withCommandRecordID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, commandRecordIDContextKey, id)
}

func commandRecordIDFromContext(ctx context.Context) *string {
	id, ok := ctx.Value(commandRecordIDContextKey).(string)
	if !ok || id == "" {
		return nil
	}
	return &id
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)

	// RecentCommands returns the most recent commands, newest first,
	// optionally limited to a single user
	RecentCommands(ctx context.Context, userID string, limit int) ([]CommandRecord, error)
}

// database implements DBI. With sqlite, writes are serialized with a
// mutex, as sqlite only allows a single writer.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps a gorm connection as a DBI. If enableConcurrentWrites
// is false, writes are serialized.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	unlock := d.lock()
	defer unlock()

	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	db := d.db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	unlock := d.lock()
	defer unlock()

	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) RecentCommands(
	ctx context.Context,
	userID string,
	limit int,
) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = defaultRecentCommandsLimit
	}
	limit = min(limit, maxRecentCommandsLimit)

	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	q := d.db.WithContext(ctx).Preload("LLMRequests")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var records []CommandRecord
	err := q.Order("started_at desc").Limit(limit).Find(&records).Error
	return records, err
}

// CreateDB opens the database and migrates the command log tables.
//
// For sqlite, the parent directory of the database file is created if
// necessary, the connection pool is limited to a single connection and
// [sqliteExecPragma] is applied.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if handler == nil {
		handler = newLogHandler(DefaultDatabaseLogLevel)
	}
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return db, fmt.Errorf("error getting database connection: %w", e)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return db, pragmaErr
		}
	}

	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(&CommandRecord{}, &LLMRequest{}); err != nil {
		txn.Rollback()
		return db, err
	}
	if err = txn.Commit().Error; err != nil {
		return db, err
	}
	return db, nil
}

// getDB opens a gorm connection for the given database type, which
// must be 'sqlite' or 'postgres'
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
