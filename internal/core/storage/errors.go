// Package storage defines persistence medium errors
package storage

import "errors"

var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrInvalidKey      = errors.New("invalid storage key")
	ErrHandleClosed    = errors.New("storage handle is closed")
	ErrConcurrentWrite = errors.New("concurrent write detected")
	ErrRecordTooLarge  = errors.New("record exceeds size limit")
)
