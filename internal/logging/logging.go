package logging

import (
	"fmt"
	"log"
)

// DebugMode enables Debugf output across the agent. Set once at startup from
// the --debug flag before any watcher starts.
var DebugMode bool

// Logger is the logging surface used throughout the agent. It matches the
// kardianos service.Logger method set so the service-manager logger can be
// passed in directly when running non-interactively.
type Logger interface {
	Info(v ...interface{}) error
	Infof(format string, v ...interface{}) error
	Error(v ...interface{}) error
	Errorf(format string, v ...interface{}) error
	Warning(v ...interface{}) error
	Warningf(format string, v ...interface{}) error
}

// Debugf logs through the Info level when DebugMode is on.
func Debugf(logger Logger, format string, v ...interface{}) {
	if DebugMode && logger != nil {
		logger.Infof("[DEBUG] "+format, v...)
	}
}

// Console logs to the standard library logger. Used for interactive runs.
type Console struct{}

func (Console) Info(v ...interface{}) error {
	log.Print(v...)
	return nil
}

func (Console) Infof(format string, v ...interface{}) error {
	log.Printf(format, v...)
	return nil
}

func (Console) Error(v ...interface{}) error {
	log.Print("ERROR: " + fmt.Sprint(v...))
	return nil
}

func (Console) Errorf(format string, v ...interface{}) error {
	log.Printf("ERROR: "+format, v...)
	return nil
}

func (Console) Warning(v ...interface{}) error {
	log.Print("WARNING: " + fmt.Sprint(v...))
	return nil
}

func (Console) Warningf(format string, v ...interface{}) error {
	log.Printf("WARNING: "+format, v...)
	return nil
}
