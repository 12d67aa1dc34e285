// Package logctx supplies the one shared *log.Logger used across the
// shared plan cache. The core logs rarely and only for events an operator
// needs to see: a stale hit detected at the re-probe step, a failed
// generic planning call, and a skipped install (out of memory, overflow,
// or a locked entry). A plain hit or miss is never logged.
package logctx

import (
	"log"
	"os"
)

// L is the package-wide logger, matching cmd/datalog's bare stdlib log
// usage in the teacher rather than introducing a structured logging
// dependency the teacher never carried.
var L = log.New(os.Stderr, "[sharedplan] ", log.LstdFlags)
