package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Level is a log verbosity accepted by Init
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config controls level and encoding of the global logger
type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to stdout
	Output io.Writer
}

// ParseLevel maps a configured level name onto a Level, falling back to info
func ParseLevel(s string) Level {
	if _, ok := zerologLevels[Level(s)]; ok {
		return Level(s)
	}
	return InfoLevel
}

// Init rebuilds Logger from cfg and sets the zerolog global level
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

func with(key, value string) zerolog.Logger {
	return Logger.With().Str(key, value).Logger()
}

// WithComponent tags records with the emitting subsystem
func WithComponent(component string) zerolog.Logger { return with("component", component) }

// WithUploadID tags records with an uploaded image id
func WithUploadID(id string) zerolog.Logger { return with("upload_id", id) }

// WithImageID tags records with a docker image id
func WithImageID(id string) zerolog.Logger { return with("image_id", id) }

// WithContainerID tags records with a container id
func WithContainerID(id string) zerolog.Logger { return with("container_id", id) }
