// Package monitoring provides the package-level diagnostic logger shared by
// the extraction pipeline and the store. Batch runs over many sessions emit a
// lot of per-cell progress lines; tests mute them by swapping the logger.
package monitoring

import "log"

// Logf is the diagnostic logger. It defaults to log.Printf but may be
// replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
