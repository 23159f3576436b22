package model

// Song is the track payload authored by the host's player. The relay
// treats every field, including AudioURL, as opaque display metadata.
type Song struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Image    string `json:"image,omitempty"`
	AudioURL string `json:"audioUrl,omitempty"`
}

// PlaybackState is a full snapshot of the host player. A new snapshot
// always supersedes the previous one wholesale.
type PlaybackState struct {
	Song        *Song   `json:"song"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
}

type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`

	// JoinedAt is a per-session sequence number used to pick the
	// successor when the host drops (earliest joined wins).
	JoinedAt uint64 `json:"-"`
}

type Session struct {
	Code         string                  `json:"code"`
	HostID       string                  `json:"hostId"`
	Participants map[string]*Participant `json:"participants"`
	LastState    *PlaybackState          `json:"lastState,omitempty"`
}

type ChatMessage struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan Envelope),
	}
}
