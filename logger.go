package remote

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout this package. Fork
// derives a child logger carrying an additional "component" field, so log
// lines from the Location, its Connection or the layer uploader can be
// traced back to the component that emitted them without threading an id
// through every call site.
type Logger interface {
	Debugf(f string, args ...interface{})
	Infof(f string, args ...interface{})
	Warnf(f string, args ...interface{})
	Errorf(f string, args ...interface{})
	Fork(component string) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogger creates a root Logger. level follows logrus level names
// ("debug", "info", "warn", "error"); an unrecognised level falls back to
// info.
func NewLogger(level string) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(f string, args ...interface{}) { l.entry.Debugf(f, args...) }
func (l *logrusLogger) Infof(f string, args ...interface{})  { l.entry.Infof(f, args...) }
func (l *logrusLogger) Warnf(f string, args ...interface{})  { l.entry.Warnf(f, args...) }
func (l *logrusLogger) Errorf(f string, args ...interface{}) { l.entry.Errorf(f, args...) }

func (l *logrusLogger) Fork(component string) Logger {
	return &logrusLogger{entry: l.entry.WithField("component", component)}
}
