package core

import "errors"

// Error taxonomy for the coordination substrate. Membership and task errors
// are returned to the caller for local handling; consensus errors trigger
// automatic retry with a fresh round number.
var (
	ErrDuplicateAgent        = errors.New("duplicate agent id")
	ErrUnknownAgent          = errors.New("unknown agent")
	ErrNoEligibleAgent       = errors.New("no eligible agent")
	ErrRoundTimeout          = errors.New("consensus round timed out")
	ErrQuorumUnreachable     = errors.New("quorum unreachable")
	ErrStaleTerm             = errors.New("stale term")
	ErrCheckpointWriteFailed = errors.New("checkpoint write failed")
	ErrTopologyDisconnected  = errors.New("topology disconnected")
	ErrNotFound              = errors.New("not found")
)
