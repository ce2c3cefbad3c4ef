package types

import "errors"

// Data-model invariant violations. These are programmer errors: callers
// should never observe them in normal operation.
var (
	ErrInvalidNodeState = errors.New("types: node violates POWERED_DOWN/POWERING_UP invariant")
	ErrInvalidJobState  = errors.New("types: job violates state/node-bitmap invariant")
)

// BoundaryCode is one of the well-known error codes surfaced at the RPC
// boundary, independent of which subsystem produced it.
type BoundaryCode string

const (
	CodeNodesBusy                        BoundaryCode = "NODES_BUSY"
	CodeNodeNotAvail                     BoundaryCode = "NODE_NOT_AVAIL"
	CodeNeverRunnable                    BoundaryCode = "NEVER_RUNNABLE"
	CodeRequestedNodeConfigUnavailable   BoundaryCode = "REQUESTED_NODE_CONFIG_UNAVAILABLE"
	CodeRequestedPartConfigUnavailable   BoundaryCode = "REQUESTED_PART_CONFIG_UNAVAILABLE"
	CodeReservationBusy                  BoundaryCode = "RESERVATION_BUSY"
	CodeReservationMaint                 BoundaryCode = "RESERVATION_MAINT"
	CodeReservationNotUsable             BoundaryCode = "RESERVATION_NOT_USABLE"
	CodeLicensesUnavailable              BoundaryCode = "LICENSES_UNAVAILABLE"
	CodeAccountingPolicy                 BoundaryCode = "ACCOUNTING_POLICY"
	CodeInvalidQOS                       BoundaryCode = "INVALID_QOS"
	CodeInvalidAccount                   BoundaryCode = "INVALID_ACCOUNT"
	CodeBurstBufferWait                  BoundaryCode = "BURST_BUFFER_WAIT"
	CodeMaxPoweredNodes                  BoundaryCode = "MAX_POWERED_NODES"
	CodeJobHeld                          BoundaryCode = "JOB_HELD"
	CodeInvalidNodeCount                 BoundaryCode = "INVALID_NODE_COUNT"
	CodeInStandbyMode                    BoundaryCode = "ESLURM_IN_STANDBY_MODE"
)

// StateReason is a well-known, user-visible job wait/fail reason.
type StateReason string

const (
	ReasonWaitResources        StateReason = "WAIT_RESOURCES"
	ReasonWaitNodeNotAvail     StateReason = "WAIT_NODE_NOT_AVAIL"
	ReasonWaitPartNodeLimit    StateReason = "WAIT_PART_NODE_LIMIT"
	ReasonWaitReservation      StateReason = "WAIT_RESERVATION"
	ReasonWaitLicenses         StateReason = "WAIT_LICENSES"
	ReasonWaitQOS              StateReason = "WAIT_QOS"
	ReasonWaitAccount          StateReason = "WAIT_ACCOUNT"
	ReasonWaitHeld             StateReason = "WAIT_HELD"
	ReasonWaitBurstBuffer      StateReason = "WAIT_BURST_BUFFER"
	ReasonFailBadConstraints   StateReason = "FAIL_BAD_CONSTRAINTS"
	ReasonFailConstraints      StateReason = "FAIL_CONSTRAINTS"
	ReasonNodeFail             StateReason = "NODE_FAIL"
)

// BoundaryError pairs a boundary code with a human-readable message and an
// optional state reason a job should be parked under.
type BoundaryError struct {
	Code    BoundaryCode
	Reason  StateReason
	Message string
}

func (e *BoundaryError) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

// NewBoundaryError builds a BoundaryError with an optional state reason.
func NewBoundaryError(code BoundaryCode, reason StateReason, msg string) *BoundaryError {
	return &BoundaryError{Code: code, Reason: reason, Message: msg}
}
