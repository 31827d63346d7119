package teleboy

import (
	"context"
	"fmt"
	"time"
)

const recordingPageSize = 100

// timerGrace is added to a timer's end before the recording list is refreshed.
const timerGrace = 21 * time.Minute

// Recording is a finished recording.
type Recording struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Subtitle    string    `json:"subtitle,omitempty"`
	Description string    `json:"description,omitempty"`
	ChannelID   int       `json:"channel_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	GenreID     int       `json:"genre_id,omitempty"`
}

// Timer is a planned recording.
type Timer struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Subtitle  string    `json:"subtitle,omitempty"`
	ChannelID int       `json:"channel_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	GenreID   int       `json:"genre_id,omitempty"`
}

type recordingJSON struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	Description string `json:"description"`
	StationID   int    `json:"station_id"`
	Begin       string `json:"begin"`
	End         string `json:"end"`
	GenreID     int    `json:"genre_id"`
}

func (a *API) listRecordings(ctx context.Context, kind string) ([]recordingJSON, error) {
	var out []recordingJSON
	total := -1
	for total == -1 || len(out) < total {
		path := a.userPath("/recordings/%s?desc=1&expand=flags,logos&limit=%d&skip=%d&sort=date", kind, recordingPageSize, len(out))
		data, err := getCached[page[recordingJSON]](ctx, a, path, ttlRecordings)
		if err != nil {
			return nil, fmt.Errorf("recordings %s: %w", kind, err)
		}
		total = data.Total
		if len(data.Items) == 0 {
			break
		}
		out = append(out, data.Items...)
	}
	return out, nil
}

// Recordings lists ready recordings, newest first.
func (a *API) Recordings(ctx context.Context) ([]Recording, error) {
	items, err := a.listRecordings(ctx, "ready")
	if err != nil {
		return nil, err
	}
	out := make([]Recording, 0, len(items))
	for _, r := range items {
		out = append(out, Recording{
			ID: r.ID, Title: r.Title, Subtitle: r.Subtitle, Description: r.Description,
			ChannelID: r.StationID, Start: parseTime(r.Begin), End: parseTime(r.End), GenreID: r.GenreID,
		})
	}
	return out, nil
}

// Timers lists planned recordings. Each one pulls the next bulk refresh to
// shortly after it ends so the finished recording shows up.
func (a *API) Timers(ctx context.Context) ([]Timer, error) {
	items, err := a.listRecordings(ctx, "planned")
	if err != nil {
		return nil, err
	}
	sched := a.scheduler()
	out := make([]Timer, 0, len(items))
	for _, r := range items {
		t := Timer{
			ID: r.ID, Title: r.Title, Subtitle: r.Subtitle, ChannelID: r.StationID,
			Start: parseTime(r.Begin), End: parseTime(r.End), GenreID: r.GenreID,
		}
		out = append(out, t)
		if sched != nil && !t.End.IsZero() {
			sched.SetNextDeadline(t.End.Add(timerGrace))
		}
	}
	return out, nil
}

// Refresh reloads timers and recordings. It is the scheduler's bulk refresh.
func (a *API) Refresh(ctx context.Context) {
	timers, terr := a.Timers(ctx)
	recs, rerr := a.Recordings(ctx)
	if terr != nil {
		a.log.Warn().Err(terr).Msg("timer refresh failed")
	}
	if rerr != nil {
		a.log.Warn().Err(rerr).Msg("recording refresh failed")
	}
	a.mu.Lock()
	if terr == nil {
		a.timers = timers
	}
	if rerr == nil {
		a.recordings = recs
	}
	a.refreshed = a.now()
	a.mu.Unlock()
	a.log.Info().Int("timers", len(timers)).Int("recordings", len(recs)).Msg("bulk refresh done")
}

// Snapshot returns the result of the last Refresh.
func (a *API) Snapshot() (timers []Timer, recordings []Recording, at time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Timer(nil), a.timers...), append([]Recording(nil), a.recordings...), a.refreshed
}

// AddTimer schedules a recording of broadcastID.
func (a *API) AddTimer(ctx context.Context, broadcastID int64) error {
	if broadcastID <= 0 {
		return fmt.Errorf("teleboy: invalid broadcast id %d", broadcastID)
	}
	res := a.client.PostJSON(ctx, a.base+a.userPath("/recordings"), map[string]any{
		"broadcast":   broadcastID,
		"alternative": false,
	})
	if _, err := decode[map[string]any](res.Body); err != nil {
		return fmt.Errorf("record broadcast %d: %w", broadcastID, err)
	}
	a.triggerRefresh()
	return nil
}

// DeleteRecording removes a ready recording.
func (a *API) DeleteRecording(ctx context.Context, id int64) error {
	return a.deleteRecording(ctx, id, "recording")
}

// DeleteTimer cancels a planned recording. Upstream uses the same endpoint as recordings.
func (a *API) DeleteTimer(ctx context.Context, id int64) error {
	return a.deleteRecording(ctx, id, "timer")
}

func (a *API) deleteRecording(ctx context.Context, id int64, what string) error {
	res := a.client.Delete(ctx, a.base+a.userPath("/recordings/%d", id))
	if _, err := decode[map[string]any](res.Body); err != nil {
		return fmt.Errorf("delete %s %d: %w", what, id, err)
	}
	a.triggerRefresh()
	return nil
}

func (a *API) triggerRefresh() {
	if s := a.scheduler(); s != nil {
		s.TriggerRefresh()
	}
}
