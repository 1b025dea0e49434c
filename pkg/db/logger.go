package db

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQueryThreshold = 500 * time.Millisecond

// gormLogger sends gorm's output to logrus.
type gormLogger struct {
	level logger.LogLevel
	log   *logrus.Entry
}

// NewLogger maps the service log level onto gorm's. SQL tracing is only
// emitted at trace level.
func NewLogger(level string) logger.Interface {
	l := logger.Warn
	switch level {
	case "trace":
		l = logger.Info
	case "error":
		l = logger.Error
	}
	return &gormLogger{
		level: l,
		log:   logrus.WithField("component", "gorm"),
	}
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= logger.Info {
		g.log.Infof(msg, args...)
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= logger.Warn {
		g.log.Warnf(msg, args...)
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= logger.Error {
		g.log.Errorf(msg, args...)
	}
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= logger.Error:
		sql, rows := fc()
		g.log.WithFields(logrus.Fields{"elapsed": elapsed, "rows": rows}).WithError(err).Error(sql)
	case elapsed > slowQueryThreshold && g.level >= logger.Warn:
		sql, rows := fc()
		g.log.WithFields(logrus.Fields{"elapsed": elapsed, "rows": rows}).Warn("slow query: " + sql)
	case g.level >= logger.Info:
		sql, rows := fc()
		g.log.WithFields(logrus.Fields{"elapsed": elapsed, "rows": rows}).Trace(sql)
	}
}
