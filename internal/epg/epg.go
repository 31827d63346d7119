// Package epg holds the program-guide records shared by the fetcher, the
// scheduler queue and the downstream sink.
package epg

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkItem is one caller-requested EPG window for a single channel.
// ID only correlates log lines across workers; identical windows are not merged.
type WorkItem struct {
	ID        string
	ChannelID int
	Start     time.Time
	End       time.Time
}

// NewWorkItem returns a WorkItem with a fresh ID.
func NewWorkItem(channelID int, start, end time.Time) WorkItem {
	return WorkItem{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Start:     start,
		End:       end,
	}
}

func (w WorkItem) String() string {
	return fmt.Sprintf("channel %d [%s, %s)", w.ChannelID, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Broadcast is one program entry on a channel.
type Broadcast struct {
	ID          int64
	ChannelID   int
	Title       string
	Subtitle    string
	Description string
	Start       time.Time
	End         time.Time
	GenreID     int
	Year        int
	Season      int
	Episode     int
}

// Channel is a station the account can stream.
type Channel struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	LogoURL  string `json:"logo_url"`
	Position int    `json:"position"`
	Radio    bool   `json:"radio,omitempty"`
}

// Genre is a top-level or sub genre reported by the guide.
type Genre struct {
	ID       int
	ParentID int
	Name     string
	NameEN   string
}
