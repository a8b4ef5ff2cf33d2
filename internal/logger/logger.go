// Package logger builds the structured, leveled loggers every component of
// the indexing core is injected with, mirroring influxdb/v2's logger
// package: a logfmt console encoder for terminals, RFC3339 UTC timestamps,
// and a NewOperation helper that logs the start and duration of a
// long-running operation (compaction, WAL replay, page-cache flush).
package logger

import (
	"io"
	"time"

	logfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing logfmt-encoded records to w at debug level
// and above.
func New(w io.Writer) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(d.String())
	}
	return zap.New(zapcore.NewCore(
		logfmt.NewEncoder(config),
		zapcore.Lock(zapcore.AddSync(w)),
		zapcore.DebugLevel,
	))
}

// NewOperation logs the start of a named operation at Info and returns a
// logger decorated with an operation ID plus a function to call when the
// operation ends, which logs its duration (and, if passed a non-nil error,
// logs it at Error instead).
func NewOperation(log *zap.Logger, msg, name string, fields ...zap.Field) (*zap.Logger, func(...error)) {
	f := []zap.Field{zap.String("op_name", name)}
	f = append(f, fields...)

	opLogger := log.With(f...)
	start := time.Now()
	opLogger.Info(msg, zap.String("op_event", "start"))

	return opLogger, func(errs ...error) {
		var err error
		for _, e := range errs {
			if e != nil {
				err = e
				break
			}
		}

		dur := time.Since(start)
		if err != nil {
			opLogger.Error(msg, zap.String("op_event", "end"), zap.Error(err), zap.Duration("op_elapsed", dur))
			return
		}
		opLogger.Info(msg, zap.String("op_event", "end"), zap.Duration("op_elapsed", dur))
	}
}
