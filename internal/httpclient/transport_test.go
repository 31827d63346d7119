package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"
)

func TestTransport_redirectLimitZeroReturnsLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "cinergy_s", Value: "abc"})
			http.Redirect(w, r, "https://t.teleboy.ch/login", http.StatusFound)
			return
		}
		w.Write([]byte("not reached"))
	}))
	defer srv.Close()
	assert := assert_.New(t)

	tr := NewTransport(Options{Timeout: 5 * time.Second, UnjarredCookies: []string{"cinergy_s"}})
	resp, err := tr.Do(context.Background(), &Request{URL: srv.URL + "/login", RedirectLimit: 0})
	require_.NoError(t, err)
	assert.Equal(http.StatusFound, resp.StatusCode)
	assert.Equal("https://t.teleboy.ch/login", resp.Location)
	assert.Equal("abc", resp.Cookies["cinergy_s"])
}

func TestTransport_followsAndCollectsChainCookies(t *testing.T) {
	var seenCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			http.SetCookie(w, &http.Cookie{Name: "cinergy_s", Value: "rotated"})
			http.SetCookie(w, &http.Cookie{Name: "other", Value: "x"})
			http.Redirect(w, r, "/b", http.StatusFound)
		case "/b":
			seenCookie = r.Header.Get("Cookie")
			w.Write([]byte("landing"))
		}
	}))
	defer srv.Close()
	assert := assert_.New(t)

	tr := NewTransport(Options{UnjarredCookies: []string{"cinergy_s"}})
	h := http.Header{}
	h.Set("Cookie", "cinergy_s=old")
	resp, err := tr.Do(context.Background(), &Request{
		URL: srv.URL + "/a", Header: h, RedirectLimit: 5, SessionCookie: "cinergy_s",
	})
	require_.NoError(t, err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("landing", string(resp.Body))
	assert.Equal("rotated", resp.Cookies["cinergy_s"])
	assert.Contains(seenCookie, "cinergy_s=rotated")
	assert.NotContains(seenCookie, "cinergy_s=old")
	assert.Contains(seenCookie, "other=x")
	assert.Empty(resp.Location)
}

func TestTransport_decodesBrotliAndGzip(t *testing.T) {
	var br, gz bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write([]byte(`{"success":true}`))
	bw.Close()
	gw := gzip.NewWriter(&gz)
	gw.Write([]byte(`{"success":false}`))
	gw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert_.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		if r.URL.Path == "/br" {
			w.Header().Set("Content-Encoding", "br")
			w.Write(br.Bytes())
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(gz.Bytes())
	}))
	defer srv.Close()

	tr := NewTransport(Options{})
	resp, err := tr.Do(context.Background(), &Request{URL: srv.URL + "/br"})
	require_.NoError(t, err)
	assert_.Equal(t, `{"success":true}`, string(resp.Body))

	resp, err = tr.Do(context.Background(), &Request{URL: srv.URL + "/gz"})
	require_.NoError(t, err)
	assert_.Equal(t, `{"success":false}`, string(resp.Body))
}

func TestTransport_postBodyAndUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert_.Equal(t, http.MethodPost, r.Method)
		assert_.Equal(t, "teleboy-pvr-test", r.Header.Get("User-Agent"))
		require_.NoError(t, r.ParseForm())
		assert_.Equal(t, "alice", r.PostForm.Get("login"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tr := NewTransport(Options{UserAgent: "teleboy-pvr-test"})
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := tr.Do(context.Background(), &Request{
		Method: http.MethodPost, URL: srv.URL, Body: []byte("login=alice"), Header: h,
	})
	require_.NoError(t, err)
	assert_.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHostSemaphore_acquireRespectsContext(t *testing.T) {
	sem := NewHostSemaphore(1)
	release, err := sem.Acquire(context.Background(), "https://tv.api.teleboy.ch/epg")
	require_.NoError(t, err)
	assert_.Equal(t, 1, sem.InUse("https://tv.api.teleboy.ch"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sem.Acquire(ctx, "https://tv.api.teleboy.ch/other")
	assert_.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := sem.Acquire(context.Background(), "https://tv.api.teleboy.ch")
	require_.NoError(t, err)
	release2()
}

func TestReplaceCookie(t *testing.T) {
	h := http.Header{}
	h.Set("Cookie", "a=1; cinergy_s=old; b=2")
	replaceCookie(h, "cinergy_s", "new")
	assert_.Equal(t, "a=1; b=2; cinergy_s=new", h.Get("Cookie"))
}
