package login

import "github.com/rs/zerolog"

// Level of a user-facing notification.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// Notifier surfaces user-visible status changes.
type Notifier interface {
	Notify(level Level, msg string)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(level Level, msg string) {
	ev := n.Log.Info()
	switch level {
	case LevelWarning:
		ev = n.Log.Warn()
	case LevelError:
		ev = n.Log.Error()
	}
	ev.Bool("notification", true).Msg(msg)
}
