package notify

import (
	"context"

	"github.com/societyhub/server/internal/logging"
	"go.uber.org/zap"
)

// LogNotifier writes messages to the log instead of delivering them. Used in dev mode and
// when no broker is configured. The body is logged only in dev mode since it carries secrets.
type LogNotifier struct {
	logger  *zap.Logger
	devMode bool
}

func NewLogNotifier(logger *zap.Logger, devMode bool) *LogNotifier {
	return &LogNotifier{logger: logger, devMode: devMode}
}

func (n *LogNotifier) Send(_ context.Context, destination string, msg Message) error {
	fields := []zap.Field{
		logging.Email(destination),
		zap.String("kind", msg.Kind),
		zap.String("subject", msg.Subject),
	}
	if n.devMode {
		fields = append(fields, zap.String("body", msg.Body))
	}
	n.logger.Info("notification", fields...)
	return nil
}

func (n *LogNotifier) Close() error { return nil }
