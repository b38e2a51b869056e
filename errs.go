package membrane

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Failures
// detected on other members arrive through SST
// flags rather than through these; local protocol
// violations panic instead.

var (
	// ErrIdInUse: a joiner presented a node id already
	// present in the current view.
	ErrIdInUse = errors.New("node id already in use by the group")

	// ErrLeaderCrashed: the join socket died mid
	// handshake; redial and find the new leader.
	ErrLeaderCrashed = errors.New("group leader crashed during join")

	// ErrSubgroupProvisioning: the allocator cannot lay
	// out the requested subgroups on the proposed view.
	// Recoverable: the view manager waits for more joins.
	ErrSubgroupProvisioning = errors.New("subgroup provisioning inadequate; need more members")

	// ErrInadequateView: an operation was attempted while
	// the current view is not adequately provisioned.
	ErrInadequateView = errors.New("current view is not adequately provisioned")

	// ErrInvalidSubgroup: this node is not a member of
	// the requested subgroup.
	ErrInvalidSubgroup = errors.New("this node is not a member of the requested subgroup")

	// ErrPartitionDetected: we are on the minority side;
	// fatal, the node shuts down rather than risk
	// split-brain progress.
	ErrPartitionDetected = errors.New("partition detected: this node is in a minority")

	// ErrPendingChangesOverflow: the SST changes columns
	// are full. Fatal for the proposal; the join
	// listener back-pressures until a view installs.
	ErrPendingChangesOverflow = errors.New("pending membership changes array is full")

	// ErrRestartQuorumFailed: not enough rejoiners yet
	// to cover every shard's logs; keep waiting.
	ErrRestartQuorumFailed = errors.New("total restart: quorum not yet reached")

	// ErrGroupWedged: sends are refused between
	// meta-wedge and the next view install.
	ErrGroupWedged = errors.New("group is wedged pending view change")

	// ErrShutDown: the group has been told to Leave.
	ErrShutDown = errors.New("group is shutting down")
)

// LeaderRedirectError reports where the actual
// leader lives; dialJoin returns it when a follower
// answers the gms handshake, and joinGroup re-dials
// the address it names.
type LeaderRedirectError struct {
	LeaderIP      string
	LeaderGmsPort uint16
}

func (e *LeaderRedirectError) Error() string {
	return fmt.Sprintf("redirect to group leader at %v:%v", e.LeaderIP, e.LeaderGmsPort)
}
