package client

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"go.uber.org/zap"

	"github.com/openfga/authzconn/pkg/logger"
)

// interceptorLogger adapts logger.Logger to the go-grpc-middleware logging interface.
func interceptorLogger(l logger.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		zapFields := make([]zap.Field, 0, len(fields)/2)

		iter := logging.Fields(fields).Iterator()
		for iter.Next() {
			key, value := iter.At()
			switch v := value.(type) {
			case string:
				zapFields = append(zapFields, zap.String(key, v))
			case int:
				zapFields = append(zapFields, zap.Int(key, v))
			case bool:
				zapFields = append(zapFields, zap.Bool(key, v))
			case fmt.Stringer:
				zapFields = append(zapFields, zap.Stringer(key, v))
			default:
				zapFields = append(zapFields, zap.Any(key, v))
			}
		}

		switch lvl {
		case logging.LevelDebug:
			l.DebugWithContext(ctx, msg, zapFields...)
		case logging.LevelInfo:
			l.InfoWithContext(ctx, msg, zapFields...)
		case logging.LevelWarn:
			l.WarnWithContext(ctx, msg, zapFields...)
		case logging.LevelError:
			l.ErrorWithContext(ctx, msg, zapFields...)
		default:
			l.ErrorWithContext(ctx, msg, append(zapFields, zap.Int("unknown_level", int(lvl)))...)
		}
	})
}
