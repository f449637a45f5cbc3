package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/orm/query"
)

// ZapSink writes entries to a zap logger
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a new ZapSink
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

// Write logs e at the level matching its severity
func (s *ZapSink) Write(_ context.Context, e Entry) error {
	fields := []zap.Field{zap.Time("at", e.CreatedAt)}
	if e.UserID != nil {
		fields = append(fields, zap.Int64("user_id", *e.UserID))
	}
	switch e.Severity {
	case SeverityError:
		s.logger.Error(e.Message, fields...)
	case SeverityWarning:
		s.logger.Warn(e.Message, fields...)
	default:
		s.logger.Info(e.Message, fields...)
	}
	return nil
}

// LogsTable is the table written by SQLSink
const LogsTable = "logs"

// SQLSink appends entries to the logs table
type SQLSink struct {
	db query.Querier
}

// NewSQLSink creates a new SQLSink
func NewSQLSink(db query.Querier) *SQLSink {
	return &SQLSink{db: db}
}

// Write inserts e
func (s *SQLSink) Write(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+LogsTable+" (message, severity, user_id, created_at) VALUES ($1, $2, $3, $4)",
		e.Message, string(e.Severity), e.UserID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// Recent returns the latest limit entries, newest first
func (s *SQLSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT message, severity, user_id, created_at FROM "+LogsTable+" ORDER BY id DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			severity string
			userID   sql.NullInt64
		)
		if err := rows.Scan(&e.Message, &severity, &userID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Severity = Severity(severity)
		if userID.Valid {
			e.UserID = &userID.Int64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DefaultRedisKey is the list RedisSink pushes to
const DefaultRedisKey = "datalayer:audit"

// RedisSink pushes JSON encoded entries onto a capped Redis list
type RedisSink struct {
	client redis.UniversalClient
	key    string
	maxLen int64
}

// NewRedisSink creates a sink pushing to key. A maxLen above zero trims the
// list to the newest maxLen entries.
func NewRedisSink(client redis.UniversalClient, key string, maxLen int64) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSink{client: client, key: key, maxLen: maxLen}
}

// Write pushes e to the head of the list
func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, raw)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push log entry: %w", err)
	}
	return nil
}

// Recent returns the latest limit entries, newest first
func (s *RedisSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	values, err := s.client.LRange(ctx, s.key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read log entries: %w", err)
	}
	out := make([]Entry, 0, len(values))
	for _, v := range values {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Backends used by Open
const (
	BackendZap   = "zap"
	BackendSQL   = "sql"
	BackendRedis = "redis"
)

// Open builds the sink for a comma-separated backend list. db and client
// are required only by the backends that use them.
func Open(backends string, db query.Querier, client redis.UniversalClient, redisKey string, logger *zap.Logger) (Sink, error) {
	var sinks MultiSink
	for _, name := range strings.Split(backends, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "":
			continue
		case BackendZap:
			sinks = append(sinks, NewZapSink(logger))
		case BackendSQL:
			if db == nil {
				return nil, fmt.Errorf("audit backend %q requires a database", BackendSQL)
			}
			sinks = append(sinks, NewSQLSink(db))
		case BackendRedis:
			if client == nil {
				return nil, fmt.Errorf("audit backend %q requires a redis client", BackendRedis)
			}
			sinks = append(sinks, NewRedisSink(client, redisKey, 0))
		default:
			return nil, fmt.Errorf("unknown audit backend %q", name)
		}
	}
	switch len(sinks) {
	case 0:
		return NewZapSink(logger), nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}
