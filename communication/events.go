package communication

// Subject kinds published per group.
const (
	KindMembership = "membership"
	KindTasks      = "tasks"
	KindConsensus  = "consensus"
	KindTopology   = "topology"
	KindLifecycle  = "lifecycle"
)

// Event types carried in envelopes and mirrored on the observability sink.
const (
	EventAgentJoined     = "AGENT_JOINED"
	EventAgentLeft       = "AGENT_LEFT"
	EventAgentSuspected  = "AGENT_SUSPECTED"
	EventAgentFailed     = "AGENT_FAILED"
	EventAgentRecovered  = "AGENT_RECOVERED"
	EventTopologyRebuilt = "TOPOLOGY_REBUILT"
	EventRoundDecided    = "ROUND_DECIDED"
	EventGroupDegraded   = "GROUP_DEGRADED"
	EventGroupCreated    = "GROUP_CREATED"
	EventGroupShutdown   = "GROUP_SHUTDOWN"
)
