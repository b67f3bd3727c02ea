package logger

import (
	"fmt"
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RaftAdapter lets a zap.Logger stand in for the hclog.Logger that the
// HashiCorp Raft library (and raft-boltdb) expect.
type RaftAdapter struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
}

// NewRaftAdapter creates an hclog adapter around the given zap logger.
func NewRaftAdapter(zapLogger *zap.Logger) *RaftAdapter {
	initialLevel := zap.InfoLevel
	if core := zapLogger.Core(); core.Enabled(zap.DebugLevel) {
		initialLevel = zap.DebugLevel
	}

	return &RaftAdapter{
		logger: zapLogger,
		level:  zap.NewAtomicLevelAt(initialLevel),
	}
}

func (a *RaftAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		a.log(zap.DebugLevel, msg, args...)
	case hclog.Warn:
		a.log(zap.WarnLevel, msg, args...)
	case hclog.Error:
		a.log(zap.ErrorLevel, msg, args...)
	default:
		a.log(zap.InfoLevel, msg, args...)
	}
}

func (a *RaftAdapter) Trace(msg string, args ...interface{}) { a.log(zap.DebugLevel, msg, args...) }
func (a *RaftAdapter) Debug(msg string, args ...interface{}) { a.log(zap.DebugLevel, msg, args...) }
func (a *RaftAdapter) Info(msg string, args ...interface{})  { a.log(zap.InfoLevel, msg, args...) }
func (a *RaftAdapter) Warn(msg string, args ...interface{})  { a.log(zap.WarnLevel, msg, args...) }
func (a *RaftAdapter) Error(msg string, args ...interface{}) { a.log(zap.ErrorLevel, msg, args...) }

func (a *RaftAdapter) log(level zapcore.Level, msg string, args ...interface{}) {
	if !a.level.Enabled(level) {
		return
	}
	if ce := a.logger.Check(level, msg); ce != nil {
		ce.Write(a.argsToZapFields(args...)...)
	}
}

func (a *RaftAdapter) IsTrace() bool { return a.level.Enabled(zap.DebugLevel) }
func (a *RaftAdapter) IsDebug() bool { return a.level.Enabled(zap.DebugLevel) }
func (a *RaftAdapter) IsInfo() bool  { return a.level.Enabled(zap.InfoLevel) }
func (a *RaftAdapter) IsWarn() bool  { return a.level.Enabled(zap.WarnLevel) }
func (a *RaftAdapter) IsError() bool { return a.level.Enabled(zap.ErrorLevel) }

func (a *RaftAdapter) With(args ...interface{}) hclog.Logger {
	return &RaftAdapter{
		logger: a.logger.With(a.argsToZapFields(args...)...),
		name:   a.name,
		level:  a.level,
	}
}

func (a *RaftAdapter) Named(name string) hclog.Logger {
	newName := name
	if a.name != "" {
		newName = a.name + "." + name
	}
	return &RaftAdapter{logger: a.logger.Named(name), name: newName, level: a.level}
}

func (a *RaftAdapter) ResetNamed(name string) hclog.Logger {
	return &RaftAdapter{logger: a.logger.Named(name), name: name, level: a.level}
}

func (a *RaftAdapter) GetLevel() hclog.Level {
	switch a.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

func (a *RaftAdapter) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		a.level.SetLevel(zap.DebugLevel)
	case hclog.Warn:
		a.level.SetLevel(zap.WarnLevel)
	case hclog.Error:
		a.level.SetLevel(zap.ErrorLevel)
	default:
		a.level.SetLevel(zap.InfoLevel)
	}
}

func (a *RaftAdapter) ImpliedArgs() []interface{} { return nil }

func (a *RaftAdapter) Name() string { return a.name }

func (a *RaftAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger { return nil }

func (a *RaftAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer { return nil }

func (a *RaftAdapter) argsToZapFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("invalid_key_%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.Any(key, "(no value)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
