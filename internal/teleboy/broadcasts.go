package teleboy

import (
	"context"
	"fmt"
	"time"

	"github.com/snapetech/teleboy-pvr/internal/epg"
	"github.com/snapetech/teleboy-pvr/internal/scheduler"
)

const broadcastPageSize = 500

type broadcastJSON struct {
	ID               int64  `json:"id"`
	Title            string `json:"title"`
	Subtitle         string `json:"subtitle"`
	ShortDescription string `json:"short_description"`
	Begin            string `json:"begin"`
	End              string `json:"end"`
	GenreID          int    `json:"genre_id"`
	Year             int    `json:"year"`
	Season           int    `json:"serie_season"`
	Episode          int    `json:"serie_episode"`
}

func (b broadcastJSON) toBroadcast(channelID int) epg.Broadcast {
	return epg.Broadcast{
		ID:          b.ID,
		ChannelID:   channelID,
		Title:       b.Title,
		Subtitle:    b.Subtitle,
		Description: b.ShortDescription,
		Start:       parseTime(b.Begin),
		End:         parseTime(b.End),
		GenreID:     b.GenreID,
		Year:        b.Year,
		Season:      b.Season,
		Episode:     b.Episode,
	}
}

func broadcastsPath(userID string, item epg.WorkItem, skip int) string {
	day := func(t time.Time) string { return t.UTC().Format("2006-01-02") }
	return fmt.Sprintf("/users/%s/broadcasts?begin=%s+00:00:00&end=%s+00:00:00&expand=logos&limit=%d&skip=%d&sort=station&station=%d",
		userID, day(item.Start), day(item.End.Add(24*time.Hour)), broadcastPageSize, skip, item.ChannelID)
}

// FetchEPG pages through the broadcasts of item's channel and emits one batch
// per page. The window is widened to whole days, ending a day after item.End.
func (a *API) FetchEPG(ctx context.Context, item epg.WorkItem, emit scheduler.EmitFunc) error {
	uid := a.client.Session().UserID()
	total, sum := -1, 0
	for total == -1 || sum < total {
		data, err := getCached[page[broadcastJSON]](ctx, a, broadcastsPath(uid, item, sum), ttlBroadcasts)
		if err != nil {
			return fmt.Errorf("epg for channel %d: %w", item.ChannelID, err)
		}
		total = data.Total
		if len(data.Items) == 0 {
			break
		}
		batch := make([]epg.Broadcast, 0, len(data.Items))
		for _, b := range data.Items {
			batch = append(batch, b.toBroadcast(item.ChannelID))
		}
		sum += len(data.Items)
		if err := emit(item.ChannelID, batch); err != nil {
			return fmt.Errorf("emit channel %d: %w", item.ChannelID, err)
		}
		a.log.Debug().Int("loaded", sum).Int("total", total).Int("channel", item.ChannelID).Msg("epg page")
	}
	return nil
}
