package chain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes surfaced to callers and logs.
const (
	CodeReadOnlyCallFailed  = "READ_ONLY_CALL_FAILED"
	CodeBroadcastError      = "BROADCAST_ERROR"
	CodeRetryBroadcastError = "RETRY_BROADCAST_ERROR"
)

var (
	ErrReadOnlyCallFailed = errors.New("chain: read-only call failed")
	ErrBroadcast          = errors.New("chain: broadcast failed")
	ErrRetryBroadcast     = errors.New("chain: fee retry broadcast failed")

	ErrNoEndpoints   = errors.New("chain: no ledger endpoints configured")
	ErrCallRejected  = errors.New("chain: contract call rejected")
	ErrMissingTxID   = errors.New("chain: broadcast response has no txid")
	ErrTxRejected    = errors.New("chain: transaction rejected")
	ErrUnknownStatus = errors.New("chain: unexpected broadcast status")
	ErrEmptyBatch    = errors.New("chain: settlement batch is empty")
)

// ReadOnlyError is returned once every attempt of a read-only call failed.
type ReadOnlyError struct {
	Function string
	Attempts int
	Err      error // last attempt's error
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("%s: %s failed after %d attempts: %v", CodeReadOnlyCallFailed, e.Function, e.Attempts, e.Err)
}

func (e *ReadOnlyError) Unwrap() []error { return []error{ErrReadOnlyCallFailed, e.Err} }

// Code returns CodeReadOnlyCallFailed.
func (e *ReadOnlyError) Code() string { return CodeReadOnlyCallFailed }

// BroadcastError carries the ledger's raw response for diagnosis.
type BroadcastError struct {
	Code     string
	Endpoint string
	Fee      uint64
	Response json.RawMessage
	Err      error
}

func (e *BroadcastError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Code, e.Err)
	if len(e.Response) > 0 {
		msg += " (response: " + string(e.Response) + ")"
	}
	return msg
}

func (e *BroadcastError) Unwrap() []error {
	sentinel := ErrBroadcast
	if e.Code == CodeRetryBroadcastError {
		sentinel = ErrRetryBroadcast
	}
	return []error{sentinel, e.Err}
}

// ErrorCode extracts the ledger error code from err, or "".
func ErrorCode(err error) string {
	var be *BroadcastError
	if errors.As(err, &be) {
		return be.Code
	}
	var re *ReadOnlyError
	if errors.As(err, &re) {
		return re.Code()
	}
	return ""
}
