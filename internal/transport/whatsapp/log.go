package whatsapp

import (
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/codefionn/sessionrelay/internal/logger"
)

// waLogger routes whatsmeow's logging into the service logger
type waLogger struct {
	l *logger.Logger
}

func newWALogger(l *logger.Logger) waLog.Logger {
	return waLogger{l: l}
}

func (w waLogger) Debugf(msg string, args ...interface{}) { w.l.Debug(msg, args...) }
func (w waLogger) Infof(msg string, args ...interface{})  { w.l.Info(msg, args...) }
func (w waLogger) Warnf(msg string, args ...interface{})  { w.l.Warn(msg, args...) }
func (w waLogger) Errorf(msg string, args ...interface{}) { w.l.Error(msg, args...) }

func (w waLogger) Sub(module string) waLog.Logger {
	return waLogger{l: w.l.WithPrefix(module)}
}
