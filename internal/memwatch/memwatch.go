// Package memwatch runs a heap-driven GC watchdog.
package memwatch

import (
	"fmt"
	"log/slog"

	watchdog "github.com/raulk/go-watchdog"
)

// MinGOGC is the lowest GOGC the watchdog may set.
const MinGOGC = 25

// Start tunes GC against a heap limit of limitMB. It returns a function
// that stops the watchdog. A zero limit does nothing.
func Start(limitMB uint64, logger *slog.Logger) (stop func(), err error) {
	if limitMB == 0 {
		return func() {}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	watchdog.Logger = &slogAdapter{logger: logger.With("component", "watchdog")}

	err, stop = watchdog.HeapDriven(limitMB<<20, MinGOGC, watchdog.NewAdaptivePolicy(0.5))
	if err != nil {
		return nil, fmt.Errorf("start memory watchdog: %w", err)
	}
	logger.Info("memory watchdog started", "limit_mb", limitMB)
	return stop, nil
}

// slogAdapter routes watchdog messages to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Debugf(template string, args ...any) {
	a.logger.Debug(fmt.Sprintf(template, args...))
}

func (a *slogAdapter) Infof(template string, args ...any) {
	a.logger.Info(fmt.Sprintf(template, args...))
}

func (a *slogAdapter) Warnf(template string, args ...any) {
	a.logger.Warn(fmt.Sprintf(template, args...))
}

func (a *slogAdapter) Errorf(template string, args ...any) {
	a.logger.Error(fmt.Sprintf(template, args...))
}
