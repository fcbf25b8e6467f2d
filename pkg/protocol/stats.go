package protocol

// Stats is the op "stats" frame, replacing the node's previous
// snapshot wholesale each time it arrives.
type Stats struct {
	Op             string      `json:"op,omitempty"`
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	UptimeMS       int64       `json:"uptime"`
	Memory         Memory      `json:"memory"`
	CPU            CPU         `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats,omitempty"`
}

type Memory struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

type CPU struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats covers the last minute of audio frames. Deficit is how
// many frames short of real time the node ran; Nulled were replaced
// with silence.
type FrameStats struct {
	Sent    int64 `json:"sent"`
	Nulled  int64 `json:"nulled"`
	Deficit int64 `json:"deficit"`
}
