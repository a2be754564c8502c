// ABOUTME: Adapter routing whatsmeow's internal logging into slog.
// ABOUTME: Keeps protocol library output in the same structured stream as ours.

package wameow

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

type slogAdapter struct {
	logger *slog.Logger
}

var _ waLog.Logger = (*slogAdapter)(nil)

func newWALogger(logger *slog.Logger) waLog.Logger {
	return &slogAdapter{logger: logger}
}

func (l *slogAdapter) Errorf(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}

func (l *slogAdapter) Warnf(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

func (l *slogAdapter) Infof(msg string, args ...any) {
	// The protocol library is chatty at info level; keep it at debug so
	// application logs stay readable.
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

func (l *slogAdapter) Debugf(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

func (l *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{logger: l.logger.With("wa_module", module)}
}
