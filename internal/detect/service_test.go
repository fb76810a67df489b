package detect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/streamrec/internal/browser"
	"github.com/agleyzer/streamrec/internal/cdp/cdptest"
	"github.com/agleyzer/streamrec/internal/matcher"
	"github.com/agleyzer/streamrec/internal/parser"
)

type fakeBrowser struct {
	page *cdptest.Browser

	mu     sync.Mutex
	opened []string
	closed []string
}

func (b *fakeBrowser) Open(ctx context.Context, id string) (*browser.Session, error) {
	b.mu.Lock()
	b.opened = append(b.opened, id)
	b.mu.Unlock()
	return browser.NewSession(id, b.page.Endpoint(), b.page.PageURL(), nil), nil
}

func (b *fakeBrowser) Close(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, id)
	return nil
}

func newTestService(t *testing.T, dl *fakeDownloader) (*Service, *fakeBrowser) {
	t.Helper()
	page := cdptest.NewBrowser()
	t.Cleanup(page.Close)

	fb := &fakeBrowser{page: page}
	svc := NewService(fb, Deps{
		Fetcher:    parser.NewFetcher(nil, testLogger()),
		Parser:     parser.HLS{},
		Selector:   matcher.New(testLogger()),
		Downloader: dl,
		Logger:     testLogger(),
	}, 20*time.Millisecond)
	return svc, fb
}

func TestService_DetectsAndDownloads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end detection test in short mode")
	}

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=6000000,RESOLUTION=1920x1080,FRAME-RATE=60.000,CODECS=\"avc1.64002A\",IVS-NAME=\"1080p\"\n"+
			"1080p/index.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,FRAME-RATE=30.000,CODECS=\"avc1.4D401F\",IVS-NAME=\"720p\"\n"+
			"720p/index.m3u8\n")
	}))
	defer origin.Close()

	dl := &fakeDownloader{}
	svc, fb := newTestService(t, dl)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := svc.Start(ctx, StartRequest{
		SessionID:    "sched_1_1700000000",
		URL:          "https://www.example.com/channel",
		Resolution:   "720p",
		FrameRate:    "30",
		Format:       "mp4",
		AutoDownload: true,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if id != "sched_1_1700000000" {
		t.Errorf("id = %q", id)
	}
	if len(fb.page.CommandsFor("Page.navigate")) != 1 {
		t.Fatal("page was not navigated")
	}

	fb.page.Push("Network.responseReceived", map[string]any{
		"response": map[string]string{
			"url":      origin.URL + "/live/master.m3u8",
			"mimeType": "application/vnd.apple.mpegurl",
		},
	})

	deadline := time.Now().Add(3 * time.Second)
	for len(dl.starts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	starts := dl.starts()
	if len(starts) != 1 {
		t.Fatalf("downloads started = %d, want 1", len(starts))
	}
	if want := origin.URL + "/live/720p/index.m3u8"; starts[0].url != want {
		t.Errorf("url = %q, want %q", starts[0].url, want)
	}

	st, err := svc.Status(id)
	if err != nil || !st.DownloadStarted {
		t.Errorf("Status() = %+v, %v", st, err)
	}
	if got := svc.DownloadStatus(id); got != "running" {
		t.Errorf("DownloadStatus() = %s", got)
	}

	if err := svc.Close(id); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := svc.Status(id); !errors.Is(err, browser.ErrNoSession) {
		t.Errorf("Status() after Close error = %v", err)
	}
	if len(fb.closed) != 1 {
		t.Errorf("browser closes = %v", fb.closed)
	}
}

func TestService_StartClosesExisting(t *testing.T) {
	svc, fb := newTestService(t, &fakeDownloader{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := svc.Start(ctx, StartRequest{URL: "https://www.example.com/a"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	second, err := svc.Start(ctx, StartRequest{URL: "https://www.example.com/b"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if first == second {
		t.Fatal("session ids should differ")
	}

	if _, err := svc.Status(first); !errors.Is(err, browser.ErrNoSession) {
		t.Errorf("first session still open: %v", err)
	}
	if sessions := svc.Sessions(); len(sessions) != 1 || sessions[0].SessionID != second {
		t.Errorf("Sessions() = %+v", sessions)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.closed) != 1 || fb.closed[0] != first {
		t.Errorf("closed = %v", fb.closed)
	}
}

func TestService_Validation(t *testing.T) {
	svc, _ := newTestService(t, &fakeDownloader{})
	if _, err := svc.Start(context.Background(), StartRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Start() error = %v, want ErrInvalidRequest", err)
	}
	if err := svc.Select(context.Background(), "missing", "x"); !errors.Is(err, browser.ErrNoSession) {
		t.Errorf("Select() error = %v", err)
	}
	if err := svc.Close("missing"); !errors.Is(err, browser.ErrNoSession) {
		t.Errorf("Close() error = %v", err)
	}
}
