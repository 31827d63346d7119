package teleboy

import (
	"context"
	"fmt"

	"github.com/snapetech/teleboy-pvr/internal/apiclient"
	"github.com/snapetech/teleboy-pvr/internal/epg"
	"github.com/snapetech/teleboy-pvr/internal/safeurl"
	"github.com/snapetech/teleboy-pvr/internal/session"
)

const maxStreamRedirects = 5

type streamJSON struct {
	Stream struct {
		URL string `json:"url"`
	} `json:"stream"`
}

func (a *API) streamParams() string {
	p := ""
	if a.settings().EnableDolby {
		p = "&dolby=1"
	}
	return p + "&https=1&streamformat=dash"
}

// LiveStreamURL resolves the DASH manifest URL of a channel's live stream.
func (a *API) LiveStreamURL(ctx context.Context, channelID int) (string, error) {
	return a.streamURL(ctx, a.userPath("/stream/live/%d?expand=primary_image,flags&https=1", channelID)+a.streamParams())
}

// RecordingStreamURL resolves the manifest URL of a recording.
func (a *API) RecordingStreamURL(ctx context.Context, recordingID int64) (string, error) {
	return a.streamURL(ctx, a.userPath("/stream/%d?", recordingID)+a.streamParams())
}

// ReplayStreamURL resolves the manifest URL of a past broadcast.
func (a *API) ReplayStreamURL(ctx context.Context, broadcastID int64) (string, error) {
	return a.streamURL(ctx, a.userPath("/stream/%d?", broadcastID)+a.streamParams())
}

func (a *API) streamURL(ctx context.Context, path string) (string, error) {
	data, err := get[streamJSON](ctx, a, path)
	if err != nil {
		return "", fmt.Errorf("stream url: %w", err)
	}
	if data.Stream.URL == "" {
		return "", fmt.Errorf("stream url: %w", ErrNoData)
	}
	if !safeurl.IsHTTPOrHTTPS(data.Stream.URL) {
		return "", fmt.Errorf("stream url: refusing %q", data.Stream.URL)
	}
	return a.followRedirect(ctx, data.Stream.URL), nil
}

// followRedirect walks up to five Location hops without credentials and
// returns the last URL reached. Only http and https targets are followed.
func (a *API) followRedirect(ctx context.Context, raw string) string {
	cur := raw
	for i := 0; i < maxStreamRedirects; i++ {
		res := a.client.Do(ctx, apiclient.Call{URL: cur, RedirectLimit: 0, Anonymous: true})
		if res.Location == "" {
			return cur
		}
		next, ok := safeurl.Resolve(cur, res.Location)
		if !ok {
			a.log.Warn().Str("location", res.Location).Msg("refusing non-http redirect")
			return cur
		}
		a.log.Debug().Str("to", next).Msg("stream redirected")
		cur = next
	}
	return cur
}

// IsPlayable reports whether a broadcast can be watched now: it has started,
// ended less than the replay window ago and the account is not free.
func (a *API) IsPlayable(b epg.Broadcast) bool {
	if a.client.Session().Tier() == session.TierNone {
		return false
	}
	now := a.now()
	return now.Sub(b.End) < a.maxRecall && b.Start.Before(now)
}

// IsRecordable reports whether a broadcast ended less than the replay window ago.
func (a *API) IsRecordable(b epg.Broadcast) bool {
	return a.now().Sub(b.End) < a.maxRecall
}
