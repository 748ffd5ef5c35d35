package types

// Label keys attached to every platform-created container and volume.
// OrphanContainerGC refuses to touch anything missing the required set or
// carrying a different instance ID, so these are load-bearing for safety,
// not just bookkeeping.
const (
	LabelManaged     = "bay.managed"
	LabelOwner       = "bay.owner"
	LabelSandboxID   = "bay.sandbox_id"
	LabelSessionID   = "bay.session_id"
	LabelCargoID     = "bay.cargo_id"
	LabelProfileID   = "bay.profile_id"
	LabelInstanceID  = "bay.instance_id"
	LabelRuntimePort = "bay.runtime_port"
)

// RequiredContainerLabels is the set a container must carry in full to be
// considered platform-owned.
var RequiredContainerLabels = []string{
	LabelManaged,
	LabelOwner,
	LabelSandboxID,
	LabelSessionID,
	LabelCargoID,
	LabelInstanceID,
}
