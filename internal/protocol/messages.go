package protocol

import "time"

// Control verbs accepted on SubjectControlPrefix.<verb> and by the HTTP API.
const (
	ControlRecord   = "record"
	ControlPlayback = "playback"
	ControlAutoplay = "autoplay"
	ControlCancel   = "cancel"
)

const (
	SubjectControlPrefix    = "voice.control"
	SubjectSessionState     = "voice.session.state"
	SubjectSessionNotice    = "voice.session.notice"
	SubjectNodeAnnounce     = "voice.node.announce"
	SubjectNodeHeartbeat    = "voice.node.heartbeat"
	SubjectSurfaceHeartbeat = "voice.surface.heartbeat"
)

// ControlRequest is the body of a control request. Enabled is only read by
// the autoplay verb; when nil the setting is toggled.
type ControlRequest struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Surface string `json:"surface,omitempty"`
}

// ControlReply answers a control request with the resulting session state
// or the reason it was refused.
type ControlReply struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Session any    `json:"session,omitempty"`
}

// NodeAnnouncement is published once at start-up and on request.
type NodeAnnouncement struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	SessionID string    `json:"session_id"`
	Providers Providers `json:"providers"`
	Timestamp time.Time `json:"timestamp"`
}

// Providers names the backends a node was configured with.
type Providers struct {
	Capture       string `json:"capture"`
	Transcription string `json:"transcription"`
	Synthesis     string `json:"synthesis"`
	Playback      string `json:"playback"`
}

// NodeHeartbeat carries the node's current phase.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Phase     string    `json:"phase"`
	Turn      uint64    `json:"turn"`
	Surfaces  int       `json:"surfaces"`
	Timestamp time.Time `json:"timestamp"`
}

// SurfaceHeartbeat is published by control surfaces attached to a node.
type SurfaceHeartbeat struct {
	SurfaceID string    `json:"surface_id"`
	NodeID    string    `json:"node_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlSubject returns the subject for a control verb.
func ControlSubject(verb string) string {
	return SubjectControlPrefix + "." + verb
}

func NodeHeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeat + "." + nodeID
}

func SurfaceHeartbeatSubject(surfaceID string) string {
	return SubjectSurfaceHeartbeat + "." + surfaceID
}
