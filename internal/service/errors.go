package service

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientData    = errors.New("insufficient data")
	ErrBatchAlreadyRunning = errors.New("batch_already_running")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
)

// PersistenceError is a failed write for one payment. The payment stays pending
// and is picked up again by the next run.
type PersistenceError struct {
	PaymentID string
	Stage     string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("payment %s: %s: %v", e.PaymentID, e.Stage, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
