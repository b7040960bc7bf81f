package binder

import (
	"errors"
	"fmt"
	"math"

	"mini-binder/parcel"
)

var (
	// ErrTruncatedBuffer is returned when a decode reads past the written length.
	ErrTruncatedBuffer = parcel.ErrTruncatedBuffer
	// ErrDescriptorMismatch is returned when a transaction is addressed to another interface.
	ErrDescriptorMismatch = errors.New("binder: interface descriptor mismatch")
	// ErrUnknownOperation is returned for codes no dispatcher layer recognises.
	ErrUnknownOperation = errors.New("binder: unknown transaction")
	// ErrEndpointUnavailable is returned when no remote endpoint can be obtained.
	ErrEndpointUnavailable = errors.New("binder: endpoint unavailable")
	// ErrTransport is returned when the transport fails to deliver a transaction or its reply.
	ErrTransport = errors.New("binder: transport failure")
)

// Status is the result code carried in a reply frame. Values follow the
// framework's status_t numbering so traces stay familiar.
type Status int32

const (
	StatusOK                 Status = 0
	StatusNameNotFound       Status = -2   // -ENOENT
	StatusWouldBlock         Status = -11  // -EAGAIN
	StatusDeadObject         Status = -32  // -EPIPE
	StatusNotEnoughData      Status = -61  // -ENODATA
	StatusUnknownTransaction Status = -74  // -EBADMSG
	StatusTimedOut           Status = -110 // -ETIMEDOUT
	StatusUnknownError       Status = math.MinInt32
	StatusBadType            Status = StatusUnknownError + 1
)

var statusNames = map[Status]string{
	StatusOK:                 "OK",
	StatusNameNotFound:       "NAME_NOT_FOUND",
	StatusWouldBlock:         "WOULD_BLOCK",
	StatusDeadObject:         "DEAD_OBJECT",
	StatusNotEnoughData:      "NOT_ENOUGH_DATA",
	StatusUnknownTransaction: "UNKNOWN_TRANSACTION",
	StatusTimedOut:           "TIMED_OUT",
	StatusUnknownError:       "UNKNOWN_ERROR",
	StatusBadType:            "BAD_TYPE",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// StatusOf maps an error to the status sent back to the caller.
func StatusOf(err error) Status {
	var se *StatusError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, ErrDescriptorMismatch):
		return StatusBadType
	case errors.Is(err, ErrTruncatedBuffer):
		return StatusNotEnoughData
	case errors.Is(err, ErrUnknownOperation):
		return StatusUnknownTransaction
	case errors.Is(err, ErrEndpointUnavailable):
		return StatusNameNotFound
	case errors.Is(err, ErrTransport):
		return StatusDeadObject
	}
	return StatusUnknownError
}

// StatusError is a failure reported by the remote side of a transaction.
type StatusError struct {
	Status  Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote status %s", e.Status)
	}
	return fmt.Sprintf("remote status %s: %s", e.Status, e.Message)
}

// Unwrap returns the sentinel matching the status, so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case StatusBadType:
		return ErrDescriptorMismatch
	case StatusNotEnoughData:
		return ErrTruncatedBuffer
	case StatusUnknownTransaction:
		return ErrUnknownOperation
	case StatusNameNotFound:
		return ErrEndpointUnavailable
	}
	return ErrTransport
}

// Err converts a reply status back into an error. StatusOK yields nil.
func (s Status) Err(message string) error {
	if s == StatusOK {
		return nil
	}
	return &StatusError{Status: s, Message: message}
}
