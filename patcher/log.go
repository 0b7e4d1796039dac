package patcher

import (
	"io"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/level"
	"github.com/apex/log/handlers/multi"
	"github.com/apex/log/handlers/text"
)

// Sink is a log destination with its own minimum level.
type Sink struct {
	Handler log.Handler
	Level   log.Level
}

// ConsoleSink writes colored output to w.
func ConsoleSink(w io.Writer, lvl log.Level) Sink {
	return Sink{Handler: cli.New(w), Level: lvl}
}

// FileSink writes plain text to w, or JSON lines if asJSON is set.
func FileSink(w io.Writer, lvl log.Level, asJSON bool) Sink {
	if asJSON {
		return Sink{Handler: json.New(w), Level: lvl}
	}
	return Sink{Handler: text.New(w), Level: lvl}
}

// NewLogger fans entries out to every sink which accepts their level.
func NewLogger(sinks ...Sink) *log.Logger {
	hs := make([]log.Handler, len(sinks))
	lowest := log.FatalLevel
	for i, s := range sinks {
		hs[i] = level.New(s.Handler, s.Level)
		if s.Level < lowest {
			lowest = s.Level
		}
	}
	return &log.Logger{Handler: multi.New(hs...), Level: lowest}
}
