package logger

import (
	"github.com/pion/logging"
)

// Factory hands out scoped loggers that write through this package's global
// level and output. It satisfies logging.LoggerFactory so components can be
// configured the same way with any pion-compatible logger.
type Factory struct {
	// Node is prepended to every scope, e.g. "a1b2c3d4 transport"
	Node string
}

// NewFactory returns a factory whose loggers are tagged with node
func NewFactory(node string) *Factory {
	return &Factory{Node: node}
}

// NewLogger implements logging.LoggerFactory
func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	prefix := scope
	if f != nil && f.Node != "" {
		prefix = f.Node + " " + scope
	}
	return &Scoped{prefix: prefix}
}

// Scoped is a logging.LeveledLogger bound to a prefix
type Scoped struct {
	prefix string
}

// Prefix returns the tag printed before each line
func (s *Scoped) Prefix() string { return s.prefix }

func (s *Scoped) Trace(msg string)                          { log(TRACE, s.prefix, "%s", msg) }
func (s *Scoped) Tracef(format string, args ...interface{}) { log(TRACE, s.prefix, format, args...) }
func (s *Scoped) Debug(msg string)                          { log(DEBUG, s.prefix, "%s", msg) }
func (s *Scoped) Debugf(format string, args ...interface{}) { log(DEBUG, s.prefix, format, args...) }
func (s *Scoped) Info(msg string)                           { log(INFO, s.prefix, "%s", msg) }
func (s *Scoped) Infof(format string, args ...interface{})  { log(INFO, s.prefix, format, args...) }
func (s *Scoped) Warn(msg string)                           { log(WARN, s.prefix, "%s", msg) }
func (s *Scoped) Warnf(format string, args ...interface{})  { log(WARN, s.prefix, format, args...) }
func (s *Scoped) Error(msg string)                          { log(ERROR, s.prefix, "%s", msg) }
func (s *Scoped) Errorf(format string, args ...interface{}) { log(ERROR, s.prefix, format, args...) }

// For returns a scoped logger from factory, falling back to this package's
// Factory when none was configured.
func For(factory logging.LoggerFactory, scope string) logging.LeveledLogger {
	if factory == nil {
		factory = NewFactory("")
	}
	return factory.NewLogger(scope)
}

// ShortID trims ids and addresses for log lines
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
