// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
	"qcbridge.org/qcbridge/bridge"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend.
//
// Loggers should not be used before the log rotator has been initialized with
// a log file. This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the log writer shared by all subsystem loggers.
	backendLog = logWriter{}

	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// package main's Logger.
	log = bridge.Disabled

	// subsystemLoggers maps each subsystem identifier to its associated
	// logger. The loggers are disabled until parseAndSetDebugLevels is
	// called.
	subsystemLoggers = map[string]bridge.Logger{
		"MAIN": bridge.Disabled,
		"CORE": bridge.Disabled,
		"DB":   bridge.Disabled,
		"RSRV": bridge.Disabled,
		"RGST": bridge.Disabled,
		"RDEM": bridge.Disabled,
		"WDOG": bridge.Disabled,
		"ADMN": bridge.Disabled,
	}
)

// setLogLevel sets the log level for the named subsystem, if known.
func setLogLevel(subsysID string, level slog.Level) {
	logger, ok := subsystemLoggers[subsysID]
	if !ok {
		return
	}
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers.
func setLogLevels(level slog.Level) {
	for subsysID := range subsystemLoggers {
		setLogLevel(subsysID, level)
	}
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
}
