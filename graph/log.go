// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"sync"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = zerolog.Nop()
)

// SetLogger installs l as the package-wide logger. It defaults to
// a no-op logger, so the executor's debug events (committed
// submission groups, external flush-back and label-group
// open/close) are silent unless a caller opts in. Logging
// never gates control flow: every call site logs on a best-effort
// basis and continues regardless of the logger's configuration.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

func log() *zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return &logger
}
