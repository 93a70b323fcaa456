package transaction

import "errors"

// Common errors
var (
	ErrTxnNotFound      = errors.New("transaction not found")
	ErrTxnAlreadyExists = errors.New("transaction already exists")
	ErrEmptyTxnID       = errors.New("transaction id must not be empty")
	ErrEmptyKey         = errors.New("operation key must not be empty")
	ErrUnknownCommand   = errors.New("unknown operation command")
)
