package core

import "time"

// ILogger is the structured logging contract shared by every component in
// the core. Implementations (see pkg/logging) bridge to zap/OTel; tests may
// substitute a no-op or recording implementation.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor exposes the aggregate health view served on /health and
// /status ambient operational surface.
type IHealthMonitor interface {
	GetStatus() map[string]string
	IsHealthy() bool
}

// Clock abstracts wall-clock time so pipeline, monitor, and watchdog logic
// is deterministically testable; RealClock is used in production.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

