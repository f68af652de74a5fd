package logger

import (
	"log/slog"
	"time"
)

// Error returns an "error" attribute, or an empty one for nil errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

func Queue(name string) slog.Attr {
	return slog.String("queue", name)
}

func JobID(id string) slog.Attr {
	return slog.String("job_id", id)
}

func Kind(kind string) slog.Attr {
	return slog.String("kind", kind)
}

func Attempts(n int) slog.Attr {
	return slog.Int("attempts", n)
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Event(name string) slog.Attr {
	return slog.String("event", name)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}
