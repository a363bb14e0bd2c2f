package store

import "time"

// Turn roles.
const (
	RoleUser = "user"
	RoleAI   = "ai"
)

// SavedGame is one adventure: its player, world binding, and memory state.
type SavedGame struct {
	ID       string
	UserID   string
	WorldID  string
	Player   string
	Rating   string
	Tier     string
	DeepMem  DeepMemory
	Created  time.Time
	Updated  time.Time
}

// DeepMemory is the oldest, most compressed layer of a game's history.
// It is only ever appended to by deep compaction, never revised.
type DeepMemory struct {
	Body               string
	TokenCount         int
	ChunksMerged       int
	LastMergedEndIndex int64
}

// RawTurn is a verbatim story turn. TokenCount is nil until the lazy
// backfill or a compaction pass counts it. Archived turns have been
// absorbed into a summary chunk and no longer feed the prompt.
type RawTurn struct {
	ID         int64
	GameID     string
	Seq        int64
	Role       string
	Body       string
	TokenCount *int
	Archived   bool
	Created    time.Time
}

// SummaryChunk is a mid-tier summary covering raw turns
// [StartIndex, EndIndex]. Refs holds the ids of the raw turns the summary
// represents; deleting a referenced turn prunes it from Refs, and a chunk
// with no refs left is deleted. Compacted chunks have been absorbed into
// deep memory and no longer feed the prompt.
type SummaryChunk struct {
	ID         int64
	GameID     string
	Seq        int64
	Body       string
	TokenCount int
	StartIndex int64
	EndIndex   int64
	Refs       []int64
	Compacted  bool
	Created    time.Time
	Updated    time.Time
}

// HasRef reports whether the chunk's summary represents the given raw turn.
func (c *SummaryChunk) HasRef(turnID int64) bool {
	for _, id := range c.Refs {
		if id == turnID {
			return true
		}
	}
	return false
}

// RemoveRef drops a raw turn id from the chunk's refs.
func (c *SummaryChunk) RemoveRef(turnID int64) {
	kept := c.Refs[:0]
	for _, id := range c.Refs {
		if id != turnID {
			kept = append(kept, id)
		}
	}
	c.Refs = kept
}

// World is a reusable universe description shared across games.
type World struct {
	ID         string
	UserID     string
	Name       string
	Description string
	TokenCount int
	Created    time.Time
	Updated    time.Time
}
