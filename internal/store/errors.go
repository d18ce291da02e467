package store

import "fmt"

// StorageError wraps a backend failure with the operation and key involved
type StorageError struct {
	Cause     error
	Operation string
	Key       string
	Message   string
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s on key %s: %s: %v", e.Operation, e.Key, e.Message, e.Cause)
	}
	return fmt.Sprintf("storage error during %s: %s: %v", e.Operation, e.Message, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new storage error
func NewStorageError(cause error, operation, key, message string) *StorageError {
	return &StorageError{
		Cause:     cause,
		Operation: operation,
		Key:       key,
		Message:   message,
	}
}
