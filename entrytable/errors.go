package entrytable

import "github.com/wbrown/sharedplan"

// Local aliases so table.go reads naturally; all three unwrap to the
// package-level sentinels any caller can check with errors.Is, per spec
// §7's error kinds.
var (
	errEntryLocked     = sharedplan.ErrEntryLocked
	errOutOfMemory     = sharedplan.ErrOutOfMemory
	errRDependOverflow = sharedplan.ErrRDependOverflow
)
