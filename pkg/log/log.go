package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Redactor rewrites a formatted log line before it reaches the sink. The
// privacy guard satisfies this so sensitive substrings never hit disk or a
// collector, no matter which component logged them.
type Redactor interface {
	Redact(s string) string
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	Redactor   Redactor
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Redactor != nil {
		output = &redactWriter{out: output, redactor: cfg.Redactor}
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// redactWriter sanitizes every formatted line. zerolog emits one line per
// event, so rewriting at the writer boundary covers message and fields alike.
type redactWriter struct {
	out      io.Writer
	redactor Redactor
}

func (w *redactWriter) Write(p []byte) (int, error) {
	clean := w.redactor.Redact(string(p))
	if _, err := w.out.Write([]byte(clean)); err != nil {
		return 0, err
	}
	// Report the original length so zerolog never treats redaction shrinkage
	// as a short write.
	return len(p), nil
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTrace creates a child logger carrying the pipeline flow's trace id
func WithTrace(traceID string) zerolog.Logger {
	return Logger.With().Str("trace_id", traceID).Logger()
}

// WithWorker creates a child logger with worker field
func WithWorker(worker string) zerolog.Logger {
	return Logger.With().Str("worker", worker).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
