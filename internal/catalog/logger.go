package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	slowQuery    = time.Second
	maxSQLLength = 200
)

var gormLevels = map[string]gormlogger.LogLevel{
	"silent": gormlogger.Silent,
	"error":  gormlogger.Error,
	"warn":   gormlogger.Warn,
	"info":   gormlogger.Info,
}

// gormLogLevel maps catalog.log_level to GORM's level. Unknown values log
// warnings and errors.
func gormLogLevel(level string) gormlogger.LogLevel {
	if l, ok := gormLevels[level]; ok {
		return l
	}
	return gormlogger.Warn
}

// queryLogger routes GORM output into the catalog's slog logger.
type queryLogger struct {
	log   *slog.Logger
	level gormlogger.LogLevel
}

func newQueryLogger(log *slog.Logger, level string) *queryLogger {
	return &queryLogger{log: log, level: gormLogLevel(level)}
}

func (q *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *q
	c.level = level
	return &c
}

func (q *queryLogger) Info(ctx context.Context, msg string, args ...any) {
	q.printf(ctx, gormlogger.Info, slog.LevelInfo, msg, args)
}

func (q *queryLogger) Warn(ctx context.Context, msg string, args ...any) {
	q.printf(ctx, gormlogger.Warn, slog.LevelWarn, msg, args)
}

func (q *queryLogger) Error(ctx context.Context, msg string, args ...any) {
	q.printf(ctx, gormlogger.Error, slog.LevelError, msg, args)
}

func (q *queryLogger) printf(ctx context.Context, min gormlogger.LogLevel, level slog.Level, msg string, args []any) {
	if q.level < min {
		return
	}
	q.log.Log(ctx, level, fmt.Sprintf(msg, args...))
}

// Trace logs failed and slow statements, and every statement at info.
// ErrRecordNotFound is a normal lookup outcome and is not an error here.
func (q *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)

	var (
		level slog.Level
		msg   string
	)
	switch {
	case failed && q.level >= gormlogger.Error:
		level, msg = slog.LevelError, "catalog query failed"
	case elapsed > slowQuery && q.level >= gormlogger.Warn:
		level, msg = slog.LevelWarn, "slow catalog query"
	case q.level >= gormlogger.Info:
		level, msg = slog.LevelDebug, "catalog query"
	default:
		return
	}
	// fc interpolates the statement, so skip it for dropped lines.
	if !q.log.Enabled(ctx, level) {
		return
	}

	sql, rows := fc()
	if len(sql) > maxSQLLength {
		sql = sql[:maxSQLLength] + "..."
	}
	attrs := []slog.Attr{
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}
	if failed {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	q.log.LogAttrs(ctx, level, msg, attrs...)
}
