package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// Strategy optionally overrides planner.strategy for this session.
	Strategy string `json:"strategy,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type             string `json:"type"`
	ProtocolVersion  string `json:"protocol_version"`
	SessionID        string `json:"session_id"`
	Strategy         string `json:"strategy"`
	MovesPerSchedule int    `json:"moves_per_schedule"`
	TuningDigest     string `json:"tuning_digest"`
}

// WORLD (client -> server): one snapshot per simulation tick.
type WorldMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	World           World  `json:"world"`
}

// SCHEDULE (server -> client). A nil Schedule means no plan for this
// snapshot; Code then says why.
type ScheduleMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Schedule        *CraneSchedule `json:"schedule,omitempty"`
	Code            string         `json:"code,omitempty"`
	Strategy        string         `json:"strategy,omitempty"`
	ElapsedMs       int64          `json:"elapsed_ms"`
	Fitness         float64        `json:"fitness,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
