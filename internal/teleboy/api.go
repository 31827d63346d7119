// Package teleboy maps the Teleboy TV API onto program-guide, recording and
// stream operations. All requests go through apiclient and therefore through
// the shared session.
package teleboy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/teleboy-pvr/internal/apiclient"
	"github.com/snapetech/teleboy-pvr/internal/config"
	"github.com/snapetech/teleboy-pvr/internal/epg"
)

// ErrNoData is returned when the API answered without a usable payload.
var ErrNoData = errors.New("teleboy: no data")

// Cache lifetimes per resource.
const (
	ttlStations   = time.Hour
	ttlGenres     = time.Hour
	ttlBroadcasts = 24 * time.Hour
	ttlRecordings = 10 * time.Second
)

// timeLayout is the API's timestamp format.
const timeLayout = "2006-01-02T15:04:05-0700"

// DeadlineSetter is the part of the scheduler the API drives.
type DeadlineSetter interface {
	SetNextDeadline(t time.Time) bool
	TriggerRefresh()
}

// Options configures New.
type Options struct {
	BaseURL   string        // default https://tv.api.teleboy.ch
	MaxRecall time.Duration // replay window; default 7 days
	Settings  func() config.Settings
}

type API struct {
	client    *apiclient.Client
	log       zerolog.Logger
	base      string
	maxRecall time.Duration
	settings  func() config.Settings
	now       func() time.Time

	deadline DeadlineSetter

	mu         sync.RWMutex
	channels   map[int]epg.Channel
	favorites  []int
	genres     map[int]epg.Genre
	recordings []Recording
	timers     []Timer
	refreshed  time.Time
}

func New(log zerolog.Logger, client *apiclient.Client, opts Options) *API {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://" + apiclient.DefaultAPIHost
	}
	if opts.MaxRecall <= 0 {
		opts.MaxRecall = 7 * 24 * time.Hour
	}
	if opts.Settings == nil {
		opts.Settings = func() config.Settings { return config.Settings{} }
	}
	return &API{
		client:    client,
		log:       log.With().Str("component", "teleboy").Logger(),
		base:      opts.BaseURL,
		maxRecall: opts.MaxRecall,
		settings:  opts.Settings,
		now:       time.Now,
		channels:  map[int]epg.Channel{},
		genres:    map[int]epg.Genre{},
	}
}

// AttachScheduler lets timer discovery pull the bulk refresh earlier.
func (a *API) AttachScheduler(d DeadlineSetter) {
	a.mu.Lock()
	a.deadline = d
	a.mu.Unlock()
}

// SetClock replaces the time source. Tests only.
func (a *API) SetClock(now func() time.Time) {
	a.now = now
}

func (a *API) scheduler() DeadlineSetter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deadline
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

type page[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}

func decode[T any](body []byte) (T, error) {
	var env envelope[T]
	if len(body) == 0 {
		return env.Data, ErrNoData
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env.Data, fmt.Errorf("teleboy: decode: %w", err)
	}
	if !env.Success {
		return env.Data, ErrNoData
	}
	return env.Data, nil
}

func getCached[T any](ctx context.Context, a *API, path string, ttl time.Duration) (T, error) {
	body, _ := a.client.GetCached(ctx, a.base+path, ttl)
	return decode[T](body)
}

func get[T any](ctx context.Context, a *API, path string) (T, error) {
	res := a.client.Get(ctx, a.base+path)
	return decode[T](res.Body)
}

func (a *API) userPath(format string, args ...any) string {
	return "/users/" + a.client.Session().UserID() + fmt.Sprintf(format, args...)
}

// SessionInitialized loads stations and genres for a fresh session.
// Genres are optional; stations are required.
func (a *API) SessionInitialized(ctx context.Context) bool {
	if err := a.LoadChannels(ctx); err != nil {
		a.log.Error().Err(err).Msg("error loading channels")
		return false
	}
	if err := a.LoadGenres(ctx); err != nil {
		a.log.Error().Err(err).Msg("error loading genres")
	}
	return true
}

type stationJSON struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	HasStream bool   `json:"has_stream"`
}

// LoadChannels fetches the streamable stations and the account's favourite order.
func (a *API) LoadChannels(ctx context.Context) error {
	stations, err := getCached[page[stationJSON]](ctx, a, "/epg/stations?expand=logos&language=de", ttlStations)
	if err != nil {
		return fmt.Errorf("stations: %w", err)
	}
	byID := make(map[int]epg.Channel, len(stations.Items))
	for _, s := range stations.Items {
		if !s.HasStream {
			continue
		}
		byID[s.ID] = epg.Channel{
			ID:      s.ID,
			Name:    s.Name,
			LogoURL: "https://www.teleboy.ch/assets/stations/" + strconv.Itoa(s.ID) + "/icon320_dark.png",
		}
	}
	favs, err := getCached[page[int]](ctx, a, a.userPath("/stations"), ttlStations)
	if err != nil {
		return fmt.Errorf("favourite stations: %w", err)
	}
	sorted := make([]int, 0, len(favs.Items))
	for _, id := range favs.Items {
		if _, ok := byID[id]; ok {
			sorted = append(sorted, id)
		}
	}
	a.mu.Lock()
	a.channels = byID
	a.favorites = sorted
	a.mu.Unlock()
	a.log.Info().Int("channels", len(byID)).Int("favorites", len(sorted)).Msg("channels loaded")
	return nil
}

type genreJSON struct {
	ID        int         `json:"id"`
	Name      string      `json:"name"`
	NameEN    string      `json:"name_en"`
	SubGenres []genreJSON `json:"sub_genres"`
}

// LoadGenres fetches genres including sub genres.
func (a *API) LoadGenres(ctx context.Context) error {
	data, err := getCached[page[genreJSON]](ctx, a, "/epg/genres", ttlGenres)
	if err != nil {
		return fmt.Errorf("genres: %w", err)
	}
	genres := map[int]epg.Genre{}
	for _, g := range data.Items {
		genres[g.ID] = epg.Genre{ID: g.ID, Name: g.Name, NameEN: g.NameEN}
		for _, sg := range g.SubGenres {
			genres[sg.ID] = epg.Genre{ID: sg.ID, ParentID: g.ID, Name: sg.Name, NameEN: sg.NameEN}
		}
	}
	a.mu.Lock()
	a.genres = genres
	a.mu.Unlock()
	return nil
}

// Genre looks up a loaded genre.
func (a *API) Genre(id int) (epg.Genre, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	g, ok := a.genres[id]
	return g, ok
}

// Channels lists favourites first in account order, then (unless only
// favourites are wanted) the rest by id. Positions are 1-based.
func (a *API) Channels() []epg.Channel {
	favOnly := a.settings().FavoritesOnly
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]epg.Channel, 0, len(a.channels))
	seen := make(map[int]bool, len(a.favorites))
	for _, id := range a.favorites {
		seen[id] = true
		ch := a.channels[id]
		ch.Position = len(out) + 1
		out = append(out, ch)
	}
	if favOnly {
		return out
	}
	rest := make([]int, 0, len(a.channels))
	for id := range a.channels {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Ints(rest)
	for _, id := range rest {
		ch := a.channels[id]
		ch.Position = len(out) + 1
		out = append(out, ch)
	}
	return out
}

// Channel looks up a loaded channel.
func (a *API) Channel(id int) (epg.Channel, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ch, ok := a.channels[id]
	return ch, ok
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
