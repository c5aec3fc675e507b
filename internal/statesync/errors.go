package statesync

import "errors"

var (
	ErrNoChanges       = errors.New("no state changes supplied")
	ErrDuplicateEntity = errors.New("entity appears more than once in one synchronization")
	ErrNilConflict     = errors.New("conflict is nil")
)
