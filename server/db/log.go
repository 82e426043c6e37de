// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"github.com/dgraph-io/badger"
	"qcbridge.org/qcbridge/bridge"
)

// badgerLoggerWrapper wraps bridge.Logger and translates Warnf to Warningf to
// satisfy badger.Logger. It also lowers the log level of Infof to Debugf and
// Debugf to Tracef, since badger is chatty.
type badgerLoggerWrapper struct {
	bridge.Logger
}

var _ badger.Logger = (*badgerLoggerWrapper)(nil)

// Debugf -> bridge.Logger.Tracef
func (log *badgerLoggerWrapper) Debugf(s string, a ...any) {
	log.Tracef(s, a...)
}

// Infof -> bridge.Logger.Debugf
func (log *badgerLoggerWrapper) Infof(s string, a ...any) {
	log.Debugf(s, a...)
}

// Warningf -> bridge.Logger.Warnf
func (log *badgerLoggerWrapper) Warningf(s string, a ...any) {
	log.Warnf(s, a...)
}
