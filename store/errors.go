package store

import "errors"

// ErrAccountNotFound reports a repository operation against an account id
// that has no registry record. Callers branch with errors.Is.
var ErrAccountNotFound = errors.New("account not found")
