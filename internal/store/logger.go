package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// gormLogger implements gormlogger.Interface on top of zap.
type gormLogger struct {
	log           *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func newGormLogger(log *zap.Logger, level string) *gormLogger {
	return &gormLogger{
		log:           log.With(zap.String("component", "gorm")),
		level:         parseLogLevel(level),
		slowThreshold: 200 * time.Millisecond,
	}
}

func parseLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(msg, zap.Any("data", data))
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(msg, zap.Any("data", data))
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(msg, zap.Any("data", data))
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gormlogger.ErrRecordNotFound):
		l.logQuery(fc, elapsed, err, zapcore.ErrorLevel)
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		l.logQuery(fc, elapsed, nil, zapcore.WarnLevel)
	case l.level >= gormlogger.Info:
		l.logQuery(fc, elapsed, nil, zapcore.DebugLevel)
	}
}

// ParamsFilter strips bound values from logged SQL.
func (l *gormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *gormLogger) logQuery(fc func() (string, int64), elapsed time.Duration, err error, level zapcore.Level) {
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", strings.TrimSpace(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if ce := l.log.Check(level, "gorm.query"); ce != nil {
		ce.Write(fields...)
	}
}

var _ gormlogger.Interface = (*gormLogger)(nil)
