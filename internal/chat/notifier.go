package chat

import (
	"log/slog"
)

// Level is the severity of a user-facing notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is a transient message for the user.
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Notifier receives user-facing notices. It is injected into the
// controller instead of living in a global registry.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }

type logNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a Notifier that writes notices to logger.
func NewLogNotifier(logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &logNotifier{logger: logger}
}

func (n *logNotifier) Notify(notice Notice) {
	switch notice.Level {
	case LevelError:
		n.logger.Error("notice", "message", notice.Message)
	case LevelWarn:
		n.logger.Warn("notice", "message", notice.Message)
	default:
		n.logger.Info("notice", "message", notice.Message)
	}
}
