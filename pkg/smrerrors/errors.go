package smrerrors

import "errors"

var (
	// ErrProtocolGap marks a sequence discontinuity in delivered decisions.
	// Recoverable: triggers state transfer.
	ErrProtocolGap = errors.New("smr: protocol gap")

	// ErrQuorumCertification marks a state-transfer session that could not
	// collect enough matching attestations. Retried with backoff; eventually
	// surfaced as a stalled-replica warning, never fatal.
	ErrQuorumCertification = errors.New("smr: quorum certification failed")

	// ErrDurability marks a failed log or checkpoint write. Fatal to local
	// progress: persistence is never silently skipped.
	ErrDurability = errors.New("smr: durability failure")

	// ErrExecutionDivergence marks a deterministic apply that failed where
	// peers presumably succeeded. Fatal; the replica must not keep masking a
	// correctness violation.
	ErrExecutionDivergence = errors.New("smr: execution divergence")

	// ErrConfigurationConflict marks two reconfiguration proposals with
	// overlapping effective sequences; the later-certified one wins.
	ErrConfigurationConflict = errors.New("smr: configuration conflict")
)
