// Package visual clicks known buttons by image when no accessibility
// control can be found for them.
//
// For a short window after launch it captures allow-listed windows,
// looks for each reference template and clicks the best match. It never
// clicks while the pointer is moving.
package visual

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"autolauncher/internal/desktop"
	logx "autolauncher/pkg/logx"
)

// ErrUserActive means the pointer moved between guard samples and the
// click was skipped.
var ErrUserActive = errors.New("visual: user is using the pointer")

type Config struct {
	Window      time.Duration
	Interval    time.Duration
	Confidence  float64
	GuardGap    time.Duration
	GuardPixels int
	ClickHold   time.Duration
	// SearchStep is the coarse search stride in pixels.
	SearchStep int
	AllowList  []string
}

var DefaultAllowList = []string{"Launcher", "Client", "Update", "Patch"}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 2 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Confidence <= 0 {
		c.Confidence = 0.8
	}
	if c.GuardGap <= 0 {
		c.GuardGap = 100 * time.Millisecond
	}
	if c.GuardPixels <= 0 {
		c.GuardPixels = 10
	}
	if c.ClickHold <= 0 {
		c.ClickHold = 150 * time.Millisecond
	}
	if c.SearchStep <= 0 {
		c.SearchStep = 2
	}
	if len(c.AllowList) == 0 {
		c.AllowList = DefaultAllowList
	}
	return c
}

// Hit is one template found on screen.
type Hit struct {
	Template string
	Window   desktop.Window
	// X, Y are screen coordinates.
	X, Y  int
	Score float64
}

type Matcher struct {
	cfg       Config
	desk      desktop.Backend
	templates []Template
	log       logx.Logger

	mu      sync.Mutex
	lastFix time.Time
}

func New(cfg Config, desk desktop.Backend, templates []Template, log logx.Logger) *Matcher {
	return &Matcher{
		cfg:       cfg.withDefaults(),
		desk:      desk,
		templates: templates,
		log:       log.With(logx.String("comp", "visual")),
	}
}

// LastFix is when the matcher last clicked (zero if never).
func (m *Matcher) LastFix() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFix
}

// Run scans every Interval until Window has passed or ctx ends.
func (m *Matcher) Run(ctx context.Context) {
	if len(m.templates) == 0 || m.desk.Windows == nil || m.desk.Capturer == nil || m.desk.Input == nil {
		m.log.Debug("visual fallback inactive")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Window)
	defer cancel()
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := m.Scan(ctx); err != nil && !errors.Is(err, ErrUserActive) && ctx.Err() == nil {
			m.log.Debug("visual scan failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Scan runs one cycle. It clicks at most one match and returns it.
func (m *Matcher) Scan(ctx context.Context) (*Hit, error) {
	hit, err := m.Find(ctx)
	if err != nil || hit == nil {
		return nil, err
	}
	if err := m.guard(ctx); err != nil {
		m.log.Info("visual click skipped", logx.String("template", hit.Template), logx.Err(err))
		return nil, err
	}
	if err := m.desk.Input.Click(ctx, hit.X, hit.Y, m.cfg.ClickHold); err != nil {
		return nil, fmt.Errorf("click %s: %w", hit.Template, err)
	}
	m.mu.Lock()
	m.lastFix = time.Now()
	m.mu.Unlock()
	m.log.Info("visual fix clicked",
		logx.String("template", hit.Template),
		logx.String("window", hit.Window.Title),
		logx.Int("x", hit.X), logx.Int("y", hit.Y),
		logx.Float64("score", hit.Score))
	return hit, nil
}

// Find returns the best template match above the confidence threshold
// among allow-listed windows, or nil.
func (m *Matcher) Find(ctx context.Context) (*Hit, error) {
	ws, err := m.desk.Windows.List(ctx)
	if err != nil {
		return nil, err
	}
	var best *Hit
	for _, w := range desktop.TitleContains(ws, m.cfg.AllowList) {
		img, err := m.desk.Capturer.Capture(ctx, w)
		if err != nil {
			m.log.Debug("capture failed", logx.String("window", w.Title), logx.Err(err))
			continue
		}
		for _, tpl := range m.templates {
			mt, ok := FindTemplate(img, tpl.Image, m.cfg.SearchStep)
			if !ok || mt.Score < m.cfg.Confidence {
				continue
			}
			if best == nil || mt.Score > best.Score {
				best = &Hit{
					Template: tpl.Name,
					Window:   w,
					X:        w.X + mt.X,
					Y:        w.Y + mt.Y,
					Score:    mt.Score,
				}
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return best, nil
}

// guard samples the pointer twice and fails when it moved.
func (m *Matcher) guard(ctx context.Context) error {
	x1, y1, err := m.desk.Input.Pointer(ctx)
	if err != nil {
		return err
	}
	t := time.NewTimer(m.cfg.GuardGap)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}
	x2, y2, err := m.desk.Input.Pointer(ctx)
	if err != nil {
		return err
	}
	if d := math.Hypot(float64(x2-x1), float64(y2-y1)); d > float64(m.cfg.GuardPixels) {
		return fmt.Errorf("%w (moved %.0fpx)", ErrUserActive, d)
	}
	return nil
}
