package broker

import "log"

// Logger is the small logging interface adapters accept, so callers can
// route adapter logs into their own logger.
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// DefaultLogger logs through the standard log package with an adapter-name
// prefix. Debug output is silent.
type DefaultLogger struct {
	Prefix string
}

// Printf logs an informational message.
func (l *DefaultLogger) Printf(format string, v ...any) {
	log.Printf("["+l.Prefix+"] "+format, v...)
}

// Errorf logs an error message.
func (l *DefaultLogger) Errorf(format string, v ...any) {
	log.Printf("["+l.Prefix+" ERROR] "+format, v...)
}

// Debugf is silent by default.
func (l *DefaultLogger) Debugf(_ string, _ ...any) {
}
