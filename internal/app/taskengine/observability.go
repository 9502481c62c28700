package taskengine

// Logger is the observability contract the engine consumes.
// pkg/logger.Adapter satisfies it; For derives a child logger the
// way logrus.Entry chains fields, scoped to a subject such as a task id
// or component name.
type Logger interface {
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
	Debug(args ...any)
	Verbose(args ...any)
	For(subject string) Logger
}
