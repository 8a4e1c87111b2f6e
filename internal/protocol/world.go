package protocol

// World is a decoded hot storage snapshot. Pointer sections may be absent in
// malformed snapshots; the planner rejects those.
type World struct {
	NowMs      int64              `json:"now_ms"`
	Production *Stack             `json:"production,omitempty"`
	Buffers    []Stack            `json:"buffers"`
	Handover   *Handover          `json:"handover,omitempty"`
	Crane      Crane              `json:"crane"`
	KPIs       map[string]float64 `json:"kpis,omitempty"`
}

type Block struct {
	ID    int   `json:"id"`
	Ready bool  `json:"ready"`
	DueMs int64 `json:"due_ms"`
}

type Stack struct {
	ID          int     `json:"id"`
	MaxHeight   int     `json:"max_height"`
	BottomToTop []Block `json:"bottom_to_top"`
}

type Handover struct {
	ID    int    `json:"id"`
	Ready bool   `json:"ready"`
	Block *Block `json:"block,omitempty"`
}

type Crane struct {
	ID         int           `json:"id"`
	LocationID int           `json:"location_id"`
	Load       *Block        `json:"load,omitempty"`
	Schedule   CraneSchedule `json:"schedule"`
}

type CraneMove struct {
	SourceID int `json:"source_id"`
	TargetID int `json:"target_id"`
	BlockID  int `json:"block_id"`
}

type CraneSchedule struct {
	Moves      []CraneMove `json:"moves"`
	SequenceNr int         `json:"sequence_nr"`
}
