// Package vpnlog provides structured logging utilities shared by every
// vpnhood-go binary. Log lines follow a single-line, greppable format:
//
//	<ISO8601_time> <service_name> [<LEVEL>] <source>: [session_id=<id> ][client=<id> ]<message>[ key=value ...]
//
// Unlike the teacher's ServiceFormatter, which singles out one "user"
// attribute, every operation in this core is both session- and
// client-scoped (admission, suppression, reaping all key off a
// session_id with a client_id attached), so two attributes are pulled
// out of the record and placed before the message body, in that order,
// so log shippers can capture each as its own named group.
package vpnlog

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Config holds the logging configuration.
type Config struct {
	Level   slog.Level
	LogDir  string
	LogName string
}

// FlagPointers holds pointers to flag values for logging configuration.
type FlagPointers struct {
	logLevel *string
	logDir   *string
	logName  *string
}

// RegisterFlags registers logging-related command-line flags and returns
// pointers that should be converted to Config after flag.Parse().
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		logLevel: flag.String("log-level", "info", "Log level (debug, info, warn, error)"),
		logDir:   flag.String("log-dir", "", "Directory to write log files to"),
		logName:  flag.String("log-name", "", "Name for the log file (without extension)"),
	}
}

// ToConfig converts flag pointers to Config. Must be called after flag.Parse().
func (f *FlagPointers) ToConfig() Config {
	return Config{
		Level:   ParseLevel(*f.logLevel),
		LogDir:  *f.logDir,
		LogName: *f.logName,
	}
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// specialAttrKeys are pulled out of the record, in order, and rendered
// before the message as named filter fields (e.g.
// "session_id=<n> client=<uuid> ..."), rather than the single "user"
// field the teacher's ServiceFormatter extracts — this core's log lines
// are keyed by session as often as by client.
var specialAttrKeys = []string{"session_id", "client"}

// ServiceHandler is a slog.Handler that renders records as:
//
//	<ISO8601_time> <service_name> [<LEVEL>] <source>: [session_id=<n> ][client=<id> ]<message> k=v ...
type ServiceHandler struct {
	serviceName string
	level       slog.Level
	writer      io.Writer
	mu          *sync.Mutex
	attrs       []slog.Attr
	groups      []string
}

// NewServiceHandler creates a new ServiceHandler that writes to the given writer.
func NewServiceHandler(serviceName string, level slog.Level, writer io.Writer) *ServiceHandler {
	return &ServiceHandler{
		serviceName: serviceName,
		level:       level,
		writer:      writer,
		mu:          &sync.Mutex{},
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *ServiceHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle formats and writes the log record.
func (h *ServiceHandler) Handle(_ context.Context, r slog.Record) error {
	timeStr := r.Time.Format("2006-01-02T15:04:05.000-07:00")

	special := make(map[string]string, len(specialAttrKeys))
	var extraParts []string

	collect := func(a slog.Attr, groups []string) {
		if len(groups) == 0 {
			for _, key := range specialAttrKeys {
				if a.Key == key {
					if _, seen := special[key]; !seen {
						special[key] = a.Value.String()
					}
					return
				}
			}
		}
		extraParts = append(extraParts, formatAttr(a, groups))
	}

	for _, a := range h.resolveAttrs() {
		collect(a, h.groups)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a, nil)
		return true
	})

	var prefix strings.Builder
	for _, key := range specialAttrKeys {
		if v, ok := special[key]; ok {
			prefix.WriteString(key)
			prefix.WriteByte('=')
			prefix.WriteString(v)
			prefix.WriteByte(' ')
		}
	}

	msg := r.Message
	if len(extraParts) > 0 {
		msg = msg + " " + strings.Join(extraParts, " ")
	}

	line := fmt.Sprintf("%s %s [%s] %s: %s%s\n",
		timeStr, h.serviceName, r.Level.String(), callerSource(r.PC), prefix.String(), msg)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write([]byte(line))
	return err
}

// WithAttrs returns a new Handler with the given attributes pre-set.
func (h *ServiceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &ServiceHandler{
		serviceName: h.serviceName,
		level:       h.level,
		writer:      h.writer,
		mu:          h.mu,
		attrs:       newAttrs,
		groups:      h.groups,
	}
}

// WithGroup returns a new Handler with the given group name prepended to
// subsequent attribute keys.
func (h *ServiceHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &ServiceHandler{
		serviceName: h.serviceName,
		level:       h.level,
		writer:      h.writer,
		mu:          h.mu,
		attrs:       h.attrs,
		groups:      newGroups,
	}
}

// Init initializes and installs the default slog logger for serviceName,
// always writing to stdout and, if config.LogDir is set, additionally to
// a timestamped log file. Returns the configured logger.
func Init(serviceName string, config Config) *slog.Logger {
	writers := []io.Writer{os.Stdout}

	if config.LogDir != "" {
		if err := os.MkdirAll(config.LogDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory %s: %v\n", config.LogDir, err)
		} else {
			logName := config.LogName
			if logName == "" {
				logName = serviceName
			}
			timestamp := strings.ReplaceAll(time.Now().Format("2006-01-02T15-04-05"), ":", "-")
			fileName := fmt.Sprintf("%s_%d_%s.txt", timestamp, os.Getpid(), logName)
			filePath := filepath.Join(config.LogDir, fileName)

			file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", filePath, err)
			} else {
				writers = append(writers, file)
			}
		}
	}

	handler := NewServiceHandler(serviceName, config.Level, io.MultiWriter(writers...))
	logger := slog.New(handler)
	slog.SetDefault(logger)
	logger.Info("starting service")
	return logger
}

func callerSource(pc uintptr) string {
	if pc == 0 {
		return "unknown"
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	f, _ := frames.Next()
	if f.Function == "" {
		return "unknown"
	}
	parts := strings.Split(f.Function, "/")
	last := parts[len(parts)-1]
	if idx := strings.Index(last, "."); idx >= 0 {
		return last[:idx]
	}
	return last
}

func (h *ServiceHandler) resolveAttrs() []slog.Attr {
	if len(h.groups) == 0 {
		return h.attrs
	}
	prefix := strings.Join(h.groups, ".") + "."
	result := make([]slog.Attr, len(h.attrs))
	for i, a := range h.attrs {
		result[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return result
}

func formatAttr(a slog.Attr, groups []string) string {
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	return fmt.Sprintf("%s=%s", key, a.Value.String())
}
