package protocol

// Route planner classes reported by GET /v4/routeplanner/status.
const (
	RoutePlannerRotating     = "RotatingIpRoutePlanner"
	RoutePlannerNano         = "NanoIpRoutePlanner"
	RoutePlannerRotatingNano = "RotatingNanoIpRoutePlanner"
	RoutePlannerBalancing    = "BalancingIpRoutePlanner"
)

// RoutePlannerStatus decodes the status endpoint. Class is empty when
// no route planner is configured, in which case Details is nil.
type RoutePlannerStatus struct {
	Class   string               `json:"class"`
	Details *RoutePlannerDetails `json:"details"`
}

// RoutePlannerDetails is the superset of all planner classes' detail
// payloads; which fields are meaningful depends on Class.
type RoutePlannerDetails struct {
	IPBlock          IPBlock          `json:"ipBlock"`
	FailingAddresses []FailingAddress `json:"failingAddresses"`

	// Rotating
	RotateIndex    string `json:"rotateIndex,omitempty"`
	IPIndex        string `json:"ipIndex,omitempty"`
	CurrentAddress string `json:"currentAddress,omitempty"`

	// Nano / RotatingNano
	CurrentAddressIndex string `json:"currentAddressIndex,omitempty"`
	BlockIndex          string `json:"blockIndex,omitempty"`
}

type IPBlock struct {
	Type string `json:"type"`
	Size string `json:"size"`
}

type FailingAddress struct {
	Address     string `json:"failingAddress"`
	Timestamp   int64  `json:"failingTimestamp"`
	FailingTime string `json:"failingTime"`
}
