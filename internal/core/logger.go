package core

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

var levelNames = [...]string{"debug", "info", "warn", "error", "off"}

func (l LogLevel) String() string {
	if l < LevelDebug || l > LevelOff {
		return "unknown"
	}
	return levelNames[l]
}

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
}

// Logger filters messages per component tag ("NAT", "Route", ...) and
// prefixes them with "[tag] ".
type Logger struct {
	mu          sync.RWMutex
	out         *log.Logger
	globalLevel LogLevel
	components  map[string]LogLevel // lowercase component name → level
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger creates a Logger from config writing through the standard logger.
func NewLogger(cfg LogConfig) *Logger {
	l := &Logger{out: log.Default()}
	l.Reconfigure(cfg)
	return l
}

// Reconfigure swaps levels in place so code holding core.Log or a Component
// picks up the new configuration.
func (l *Logger) Reconfigure(cfg LogConfig) {
	components := make(map[string]LogLevel, len(cfg.Components))
	for name, level := range cfg.Components {
		components[strings.ToLower(name)] = ParseLevel(level)
	}
	l.mu.Lock()
	l.globalLevel = ParseLevel(cfg.Level)
	l.components = components
	l.mu.Unlock()
}

func (l *Logger) setOutput(w io.Writer) {
	l.mu.Lock()
	l.out = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	l.mu.Unlock()
}

func (l *Logger) levelFor(tag string) LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl
	}
	return l.globalLevel
}

func (l *Logger) enabled(tag string, lvl LogLevel) bool {
	return l.levelFor(tag) <= lvl
}

func (l *Logger) printf(lvl LogLevel, tag, format string, args ...any) {
	if !l.enabled(tag, lvl) {
		return
	}
	l.mu.RLock()
	out := l.out
	l.mu.RUnlock()
	out.Printf("["+tag+"] "+format, args...)
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) { l.printf(LevelDebug, tag, format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) { l.printf(LevelInfo, tag, format, args...) }

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) { l.printf(LevelWarn, tag, format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) { l.printf(LevelError, tag, format, args...) }

// Fatalf always logs and calls os.Exit(1).
func (l *Logger) Fatalf(tag, format string, args ...any) {
	l.printf(LevelOff, tag, format, args...)
	os.Exit(1)
}

// Component is a Logger bound to one tag.
type Component struct {
	l   *Logger
	tag string
}

// For returns a logger bound to tag.
func (l *Logger) For(tag string) Component { return Component{l: l, tag: tag} }

func (c Component) Debugf(format string, args ...any) { c.l.Debugf(c.tag, format, args...) }
func (c Component) Infof(format string, args ...any)  { c.l.Infof(c.tag, format, args...) }
func (c Component) Warnf(format string, args ...any)  { c.l.Warnf(c.tag, format, args...) }
func (c Component) Errorf(format string, args ...any) { c.l.Errorf(c.tag, format, args...) }

// DebugEnabled reports whether debug lines for this component are printed.
// The packet path checks it before formatting per-packet lines.
func (c Component) DebugEnabled() bool { return c.l.enabled(c.tag, LevelDebug) }

// Log is the global logger instance. Initialized with default (info level).
var Log = NewLogger(LogConfig{})
