package lockmanager

import "errors"

// Common errors
var (
	ErrEmptyResourceID = errors.New("resource id must not be empty")
	ErrAlreadyWaiting  = errors.New("transaction is already waiting on this resource")
)
