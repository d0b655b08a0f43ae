package state

// Reserved keys of the coordination map. Peers read these by exact
// string, so the names are part of the replicated document's contract.
const (
	CoordCoordinator                = "coordinator"
	CoordSweepEverySeconds          = "sweepEverySeconds"
	CoordRetentionClosedTaskSeconds = "retentionClosedTaskSeconds"
	CoordRetentionPruneEverySeconds = "retentionPruneEverySeconds"
	CoordRetentionLastPruneAt       = "retentionLastPruneAt"
	CoordDelegationPolicy           = "delegationPolicy"

	CoordSLASweepEnabled             = "slaSweepEnabled"
	CoordSLASweepEverySeconds        = "slaSweepEverySeconds"
	CoordSLASweepLastAt              = "slaSweepLastAt"
	CoordSLASweepRecordOnly          = "slaSweepRecordOnly"
	CoordSLASweepMaxMessagesPerSweep = "slaSweepMaxMessagesPerSweep"
	CoordSLASweepFyiAgents           = "slaSweepFyiAgents"
)

// Prefixed coordination entries: per-node coordinator preferences and
// per-agent delegation policy acknowledgements.
const (
	CoordPrefPrefix          = "pref:"
	CoordDelegationAckPrefix = "delegationAck:"
)
