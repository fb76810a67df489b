// Package detect turns observed network traffic into one chosen stream and
// hands it to the downloader.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/streamrec/internal/download"
	"github.com/agleyzer/streamrec/internal/matcher"
	"github.com/agleyzer/streamrec/internal/metrics"
	"github.com/agleyzer/streamrec/internal/parser"
	"github.com/agleyzer/streamrec/internal/stream"
	"github.com/agleyzer/streamrec/internal/variant"
)

var (
	// ErrAlreadyStarted is returned when the session already handed a stream to the downloader.
	ErrAlreadyStarted = errors.New("download already started")
	// ErrNoSelection is returned by Select when no variants are on offer.
	ErrNoSelection = errors.New("no streams awaiting selection")
)

// selectedName names a manual selection that matches no offered variant.
const selectedName = "selected_stream"

// probeConcurrency bounds background probing of offered variants.
const probeConcurrency = 3

// EventSource publishes stream events until ctx ends or it fails.
type EventSource interface {
	Run(ctx context.Context, out chan<- stream.Event) error
}

// SourceFunc adapts a function to EventSource.
type SourceFunc func(ctx context.Context, out chan<- stream.Event) error

func (f SourceFunc) Run(ctx context.Context, out chan<- stream.Event) error { return f(ctx, out) }

// ManifestFetcher downloads a playlist body.
type ManifestFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// ManifestParser interprets playlist bodies.
type ManifestParser interface {
	ParseMaster(content, baseURL string) ([]variant.Variant, bool)
	Inspect(content string) (*parser.PlaylistInfo, error)
}

// VariantSelector picks one variant for a preference.
type VariantSelector interface {
	Select(variants []variant.Variant, pref matcher.Preference) (variant.Variant, bool)
}

// Prober reads metadata from a stream. ok=false means nothing was learned.
type Prober interface {
	Probe(ctx context.Context, url string) (variant.Metadata, bool)
}

// Downloader records a stream for a session.
type Downloader interface {
	Start(sessionID, streamURL, filename string, meta variant.Metadata) error
	Status(sessionID string) download.State
}

// Request configures one detection session.
type Request struct {
	SessionID    string
	PageURL      string
	Preference   matcher.Preference
	AutoDownload bool
	// Filename overrides the generated output name.
	Filename string
	Format   string
}

// Deps are the coordinator's collaborators. Prober and Metrics may be nil.
type Deps struct {
	Fetcher    ManifestFetcher
	Parser     ManifestParser
	Selector   VariantSelector
	Prober     Prober
	Downloader Downloader
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Status is a snapshot of a session's detection state.
type Status struct {
	SessionID         string            `json:"browser_id"`
	PageURL           string            `json:"url"`
	Detected          []stream.Event    `json:"detected_streams"`
	DownloadStarted   bool              `json:"download_started"`
	AwaitingSelection bool              `json:"awaiting_resolution_selection"`
	Variants          []variant.Variant `json:"available_resolutions"`
	Selected          *variant.Variant  `json:"selected_stream,omitempty"`
	Filename          string            `json:"filename,omitempty"`
}

// Coordinator consumes events from any number of sources and runs at most
// one detection pipeline to completion per session.
type Coordinator struct {
	req  Request
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu         sync.Mutex
	state      Status
	finalizing bool
}

// NewCoordinator creates a coordinator for req.
func NewCoordinator(req Request, deps Deps) *Coordinator {
	return &Coordinator{
		req:  req,
		deps: deps,
		log:  deps.Logger.With("session", req.SessionID),
		now:  time.Now,
		state: Status{
			SessionID: req.SessionID,
			PageURL:   req.PageURL,
			Detected:  []stream.Event{},
			Variants:  []variant.Variant{},
		},
	}
}

// Run starts every source and consumes their events until ctx is cancelled
// or all sources have stopped. One failing source does not stop the others.
func (c *Coordinator) Run(ctx context.Context, sources ...EventSource) error {
	events := make(chan stream.Event, 64)

	var srcWG sync.WaitGroup
	for i, src := range sources {
		srcWG.Add(1)
		go func() {
			defer srcWG.Done()
			if err := src.Run(ctx, events); err != nil {
				c.log.Warn("event source stopped", "source", i, "error", err)
			}
		}()
	}
	sourcesDone := make(chan struct{})
	go func() {
		srcWG.Wait()
		close(sourcesDone)
	}()

	var (
		seen     = make(map[stream.Key]struct{})
		busy     bool
		results  = make(chan error, 1)
		pipeline sync.WaitGroup
	)
	defer pipeline.Wait()

	handle := func(ev stream.Event) {
		if _, dup := seen[ev.Key()]; dup {
			return
		}
		seen[ev.Key()] = struct{}{}
		c.record(ev)

		if busy {
			return
		}
		busy = true
		pipeline.Add(1)
		go func() {
			defer pipeline.Done()
			results <- c.process(ctx, ev)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-results:
			if err != nil {
				c.log.Error("detection pipeline failed", "error", err)
				busy = false
			}

		case ev := <-events:
			handle(ev)

		case <-sourcesDone:
			for {
				select {
				case ev := <-events:
					handle(ev)
				default:
					c.log.Info("all event sources stopped")
					return nil
				}
			}
		}
	}
}

func (c *Coordinator) record(ev stream.Event) {
	c.mu.Lock()
	c.state.Detected = append(c.state.Detected, ev)
	c.mu.Unlock()

	c.deps.Metrics.StreamDetected(string(ev.Source))
	c.log.Info("detected stream", "type", ev.Type, "url", ev.URL, "source", ev.Source)
}

// process resolves one event into a download or a selection offer. Manifest
// problems degrade to treating the URL as a single stream.
func (c *Coordinator) process(ctx context.Context, ev stream.Event) error {
	if ev.Type == stream.TypeHLS {
		content, err := c.deps.Fetcher.Fetch(ctx, ev.URL)
		if err != nil {
			c.log.Warn("manifest fetch failed, using stream as is", "url", ev.URL, "error", err)
		} else if variants, ok := c.deps.Parser.ParseMaster(content, ev.URL); ok {
			return c.resolve(ctx, variants)
		} else if info, err := c.deps.Parser.Inspect(content); err == nil {
			c.log.Debug("media playlist", "live", info.Live, "segments", info.Segments, "targetDuration", info.TargetDuration)
		}
	}

	single := variant.Variant{URI: ev.URL, Name: string(ev.Type)}
	if c.req.AutoDownload {
		return c.finalize(ctx, single)
	}
	c.offer(ctx, []variant.Variant{single})
	return nil
}

func (c *Coordinator) resolve(ctx context.Context, variants []variant.Variant) error {
	c.log.Info("parsed master playlist", "variants", len(variants))
	if c.req.AutoDownload {
		if v, ok := c.deps.Selector.Select(variants, c.req.Preference); ok {
			return c.finalize(ctx, v)
		}
	}
	c.offer(ctx, variants)
	return nil
}

// offer exposes variants for manual selection and fills in missing
// metadata in the background while the caller decides.
func (c *Coordinator) offer(ctx context.Context, variants []variant.Variant) {
	c.mu.Lock()
	c.state.AwaitingSelection = true
	c.state.Variants = append([]variant.Variant(nil), variants...)
	c.mu.Unlock()
	c.log.Info("awaiting stream selection", "choices", len(variants))

	if c.deps.Prober == nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, v := range variants {
		if !v.Incomplete() {
			continue
		}
		g.Go(func() error {
			meta, ok := c.deps.Prober.Probe(gctx, v.URI)
			if !ok {
				return nil
			}
			c.mu.Lock()
			for i := range c.state.Variants {
				if c.state.Variants[i].URI == v.URI {
					c.state.Variants[i].Fill(meta)
				}
			}
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// Select finalizes a manual choice. A URI that matches no offered variant is
// still accepted as a bare stream.
func (c *Coordinator) Select(ctx context.Context, uri string) error {
	c.mu.Lock()
	if c.state.DownloadStarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if !c.state.AwaitingSelection {
		c.mu.Unlock()
		return ErrNoSelection
	}
	chosen := variant.Variant{URI: uri, Name: selectedName}
	for _, v := range c.state.Variants {
		if v.URI == uri {
			chosen = v
			break
		}
	}
	c.mu.Unlock()

	return c.finalize(ctx, chosen)
}

func (c *Coordinator) finalize(ctx context.Context, v variant.Variant) error {
	c.mu.Lock()
	if c.state.DownloadStarted || c.finalizing {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.finalizing = true
	c.mu.Unlock()

	if v.Incomplete() && c.deps.Prober != nil {
		if meta, ok := c.deps.Prober.Probe(ctx, v.URI); ok {
			v.Fill(meta)
		}
	}

	name := v.Name
	if name == "" {
		name = "video"
	}
	filename := download.Filename(c.req.Filename, name, c.req.Format, c.now())

	if err := c.deps.Downloader.Start(c.req.SessionID, v.URI, filename, v.Metadata()); err != nil {
		c.mu.Lock()
		c.finalizing = false
		c.mu.Unlock()
		return fmt.Errorf("failed to start download: %w", err)
	}

	c.mu.Lock()
	c.finalizing = false
	c.state.DownloadStarted = true
	c.state.AwaitingSelection = false
	c.state.Selected = &v
	c.state.Filename = filename
	c.mu.Unlock()

	c.deps.Metrics.DetectionStarted()
	c.log.Info("download handed off", "name", name, "label", v.Label(), "filename", filename)
	return nil
}

// HasDetected reports whether any source has delivered a stream.
func (c *Coordinator) HasDetected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state.Detected) > 0
}

// Status returns a copy of the current detection state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	st.Detected = append([]stream.Event{}, c.state.Detected...)
	st.Variants = append([]variant.Variant{}, c.state.Variants...)
	if c.state.Selected != nil {
		sel := *c.state.Selected
		st.Selected = &sel
	}
	return st
}
