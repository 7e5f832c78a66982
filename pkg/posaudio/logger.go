package posaudio

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging
type Logger struct {
	logger zerolog.Logger
}

// LogLevel represents the logging level
type LogLevel int

const (
	TraceLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel maps DEBUG/INFO/WARNING/ERROR (case-insensitive) to a LogLevel.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return TraceLevel, true
	case "DEBUG":
		return DebugLevel, true
	case "INFO":
		return InfoLevel, true
	case "WARN", "WARNING":
		return WarnLevel, true
	case "ERROR":
		return ErrorLevel, true
	}
	return InfoLevel, false
}

// LogConfig represents the configuration for logging
type LogConfig struct {
	Level     LogLevel
	Pretty    bool
	Output    io.Writer
	AddSource bool
	Fields    map[string]interface{}
}

// DefaultLogConfig returns a default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  InfoLevel,
		Pretty: true,
		Output: os.Stderr,
		Fields: make(map[string]interface{}),
	}
}

// NewLogger creates a new structured logger
func NewLogger(config *LogConfig) *Logger {
	if config == nil {
		config = DefaultLogConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var logger zerolog.Logger
	if config.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
		})
	} else {
		logger = zerolog.New(out)
	}

	switch config.Level {
	case TraceLevel:
		logger = logger.Level(zerolog.TraceLevel)
	case DebugLevel:
		logger = logger.Level(zerolog.DebugLevel)
	case InfoLevel:
		logger = logger.Level(zerolog.InfoLevel)
	case WarnLevel:
		logger = logger.Level(zerolog.WarnLevel)
	case ErrorLevel:
		logger = logger.Level(zerolog.ErrorLevel)
	}

	logger = logger.With().Timestamp().Logger()

	if config.AddSource {
		logger = logger.With().Caller().Logger()
	}

	if len(config.Fields) > 0 {
		logger = logger.With().Fields(config.Fields).Logger()
	}

	return &Logger{logger: logger}
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithComponent adds a component field to the logger
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

// WithConnection adds the connection field used in every engine log line.
func (l *Logger) WithConnection(conn ConnectionID) *Logger {
	return &Logger{logger: l.logger.With().Uint64("connection", uint64(conn)).Logger()}
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{logger: l.logger.With().Fields(fields).Logger()}
}

// WithError adds an error field to the logger
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// Trace logs a trace level message
func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

// Debug logs a debug level message
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Debugf logs a formatted debug level message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Info logs an info level message
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Infof logs a formatted info level message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Warn logs a warning level message
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Warnf logs a formatted warning level message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

// Error logs an error level message
func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Errorf logs a formatted error level message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// Fatal logs at fatal level and exits the process.
func (l *Logger) Fatal(msg string) {
	l.logger.Fatal().Msg(msg)
}

// LogTick logs the outcome of one position tick.
func (l *Logger) LogTick(conn ConnectionID, state SyncState, fields map[string]interface{}) {
	l.logger.Debug().
		Str("event_type", "tick").
		Uint64("connection", uint64(conn)).
		Str("state", string(state)).
		Fields(fields).
		Msg("Position tick")
}

// LogChannelEvent logs host channel and membership events.
func (l *Logger) LogChannelEvent(event string, conn ConnectionID, channel ChannelID, fields map[string]interface{}) {
	l.logger.Info().
		Str("event_type", "channel").
		Str("event", event).
		Uint64("connection", uint64(conn)).
		Uint64("channel", uint64(channel)).
		Fields(fields).
		Msg("Channel event")
}

// LogError logs an *Error with its code, operation and details.
func (l *Logger) LogError(err *Error) {
	if err == nil {
		return
	}
	event := l.logger.Error()
	if IsRetryableError(err) {
		event = l.logger.Warn()
	}
	event = event.Str("error_code", err.Code)
	if err.Op != "" {
		event = event.Str("operation", err.Op)
	}
	if cause := err.Unwrap(); cause != nil {
		event = event.AnErr("cause", cause)
	}
	event.Fields(err.Details).Msg(err.Message)
}

// Global logger instance
var globalLogger = NewLogger(DefaultLogConfig())

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	return globalLogger
}

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	if logger != nil {
		globalLogger = logger
	}
}
