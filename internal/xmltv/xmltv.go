// Package xmltv renders the locally stored program guide as an XMLTV
// document at /guide.xml.
package xmltv

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/teleboy-pvr/internal/epg"
)

const timeLayout = "20060102150405 -0700"

// Channels lists the channels to include, in guide order.
type Channels interface {
	Channels() []epg.Channel
}

// Broadcasts reads stored broadcasts of one channel starting in [from, to).
type Broadcasts interface {
	Broadcasts(ctx context.Context, channelID int, from, to time.Time) ([]epg.Broadcast, error)
}

// Genres resolves genre ids to names. Optional.
type Genres interface {
	Genre(id int) (epg.Genre, bool)
}

// Guide serves /guide.xml. The rendered document is cached for CacheTTL
// (default 5m) or until Invalidate.
type Guide struct {
	Channels   Channels
	Broadcasts Broadcasts
	Genres     Genres
	Log        zerolog.Logger
	Past       time.Duration // default 24h
	Ahead      time.Duration // default 7 days
	CacheTTL   time.Duration
	Now        func() time.Time

	mu        sync.RWMutex
	cachedXML []byte
	cacheExp  time.Time
}

func (g *Guide) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Guide) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := g.document(r.Context())
	if err != nil {
		g.Log.Error().Err(err).Msg("xmltv render failed")
		http.Error(w, "guide unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write(data)
}

// Invalidate drops the cached document.
func (g *Guide) Invalidate() {
	g.mu.Lock()
	g.cachedXML = nil
	g.mu.Unlock()
}

func (g *Guide) document(ctx context.Context) ([]byte, error) {
	ttl := g.CacheTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	g.mu.RLock()
	if len(g.cachedXML) > 0 && g.now().Before(g.cacheExp) {
		data := g.cachedXML
		g.mu.RUnlock()
		return data, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.cachedXML) > 0 && g.now().Before(g.cacheExp) {
		return g.cachedXML, nil
	}
	data, err := g.render(ctx)
	if err != nil {
		return nil, err
	}
	g.cachedXML = data
	g.cacheExp = g.now().Add(ttl)
	return data, nil
}

type tvRoot struct {
	XMLName    xml.Name    `xml:"tv"`
	Generator  string      `xml:"generator-info-name,attr"`
	Channels   []channel   `xml:"channel"`
	Programmes []programme `xml:"programme"`
}

type channel struct {
	ID      string `xml:"id,attr"`
	Display string `xml:"display-name"`
	Icon    *icon  `xml:"icon,omitempty"`
}

type icon struct {
	Src string `xml:"src,attr"`
}

type programme struct {
	Start    string      `xml:"start,attr"`
	Stop     string      `xml:"stop,attr"`
	Channel  string      `xml:"channel,attr"`
	Title    string      `xml:"title"`
	SubTitle string      `xml:"sub-title,omitempty"`
	Desc     string      `xml:"desc,omitempty"`
	Date     string      `xml:"date,omitempty"`
	Category []string    `xml:"category,omitempty"`
	Episode  *episodeNum `xml:"episode-num,omitempty"`
}

type episodeNum struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

func (g *Guide) render(ctx context.Context) ([]byte, error) {
	past, ahead := g.Past, g.Ahead
	if past <= 0 {
		past = 24 * time.Hour
	}
	if ahead <= 0 {
		ahead = 7 * 24 * time.Hour
	}
	now := g.now()
	from, to := now.Add(-past), now.Add(ahead)

	doc := tvRoot{Generator: "teleboy-pvr"}
	for _, ch := range g.Channels.Channels() {
		id := strconv.Itoa(ch.ID)
		c := channel{ID: id, Display: ch.Name}
		if ch.LogoURL != "" {
			c.Icon = &icon{Src: ch.LogoURL}
		}
		doc.Channels = append(doc.Channels, c)

		bs, err := g.Broadcasts.Broadcasts(ctx, ch.ID, from, to)
		if err != nil {
			return nil, err
		}
		for _, b := range bs {
			doc.Programmes = append(doc.Programmes, g.programme(id, b))
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (g *Guide) programme(channelID string, b epg.Broadcast) programme {
	p := programme{
		Start:    b.Start.Format(timeLayout),
		Stop:     b.End.Format(timeLayout),
		Channel:  channelID,
		Title:    b.Title,
		SubTitle: b.Subtitle,
		Desc:     b.Description,
	}
	if b.Year > 0 {
		p.Date = strconv.Itoa(b.Year)
	}
	if g.Genres != nil && b.GenreID != 0 {
		if genre, ok := g.Genres.Genre(b.GenreID); ok {
			p.Category = append(p.Category, genre.Name)
		}
	}
	// xmltv_ns is zero-based.
	if b.Season > 0 || b.Episode > 0 {
		season, episode := "", ""
		if b.Season > 0 {
			season = strconv.Itoa(b.Season - 1)
		}
		if b.Episode > 0 {
			episode = strconv.Itoa(b.Episode - 1)
		}
		p.Episode = &episodeNum{System: "xmltv_ns", Value: season + "." + episode + "."}
	}
	return p
}
