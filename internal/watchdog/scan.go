package watchdog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"autolauncher/internal/desktop"
	logx "autolauncher/pkg/logx"
)

// containsAny returns the first keyword contained in s, ignoring case.
func containsAny(s string, keywords []string) (string, bool) {
	ls := strings.ToLower(s)
	for _, k := range keywords {
		if k != "" && strings.Contains(ls, strings.ToLower(k)) {
			return k, true
		}
	}
	return "", false
}

// titleScan returns the first window title containing a stuck keyword.
func titleScan(ws []desktop.Window, keywords []string) (string, bool) {
	for _, w := range ws {
		if _, ok := containsAny(w.Title, keywords); ok {
			return w.Title, true
		}
	}
	return "", false
}

type contentHit struct {
	source  string // "accessibility" or "OCR"
	keyword string
}

func (h contentHit) reason() string {
	return fmt.Sprintf("Window Content (%s): '%s'", h.source, h.keyword)
}

// contentScan reads the controls of every window, or makes one OCR pass
// when the accessibility tree is unavailable, and reports the first
// window in list order whose text contains a keyword.
func (w *Watchdog) contentScan(ctx context.Context, ws []desktop.Window, keywords []string) (contentHit, bool) {
	if len(ws) == 0 {
		return contentHit{}, false
	}
	hits := make([]*contentHit, len(ws))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ScanParallelism)
	for i, win := range ws {
		g.Go(func() error {
			hits[i] = w.scanWindow(gctx, win, keywords)
			return nil
		})
	}
	_ = g.Wait()
	for _, h := range hits {
		if h != nil {
			return *h, true
		}
	}
	return contentHit{}, false
}

func (w *Watchdog) scanWindow(ctx context.Context, win desktop.Window, keywords []string) *contentHit {
	if acc := w.desk.Accessibility; acc != nil {
		cctx, cancel := context.WithTimeout(ctx, w.cfg.ControlTimeout)
		texts, err := acc.ControlTexts(cctx, win, w.cfg.MaxControls)
		cancel()
		if err == nil {
			for _, t := range texts {
				if k, ok := containsAny(t, keywords); ok {
					return &contentHit{source: "accessibility", keyword: k}
				}
			}
			return nil
		}
		if !errors.Is(err, desktop.ErrUnsupported) {
			w.log.Debug("control scan failed", logx.String("window", win.ID), logx.Err(err))
			return nil
		}
	}
	if w.desk.Capturer == nil || w.desk.OCR == nil {
		return nil
	}
	octx, cancel := context.WithTimeout(ctx, w.cfg.OCRTimeout)
	defer cancel()
	img, err := w.desk.Capturer.Capture(octx, win)
	if err != nil {
		w.log.Debug("capture failed", logx.String("window", win.ID), logx.Err(err))
		return nil
	}
	text, err := w.desk.OCR.Text(octx, img)
	if err != nil {
		w.log.Debug("ocr failed", logx.String("window", win.ID), logx.Err(err))
		return nil
	}
	if k, ok := containsAny(text, keywords); ok {
		return &contentHit{source: "OCR", keyword: k}
	}
	return nil
}

// findDialog looks for a dismissible dialog among candidates. A title
// match wins; otherwise control texts are read.
func (w *Watchdog) findDialog(ctx context.Context, candidates []desktop.Window) (desktop.Window, string, bool) {
	for _, win := range candidates {
		if k, ok := containsAny(win.Title, w.cfg.DialogKeywords); ok {
			return win, k, true
		}
	}
	acc := w.desk.Accessibility
	if acc == nil {
		return desktop.Window{}, "", false
	}
	for _, win := range candidates {
		cctx, cancel := context.WithTimeout(ctx, w.cfg.ControlTimeout)
		texts, err := acc.ControlTexts(cctx, win, w.cfg.MaxControls)
		cancel()
		if err != nil {
			continue
		}
		for _, t := range texts {
			if k, ok := containsAny(t, w.cfg.DialogKeywords); ok {
				return win, k, true
			}
		}
	}
	return desktop.Window{}, "", false
}

// dismiss presses the first configured label found on any candidate,
// trying an exact match before a case-insensitive one, and falls back to
// the confirm key on the dialog itself.
func (w *Watchdog) dismiss(ctx context.Context, candidates []desktop.Window, dialog desktop.Window) (string, bool) {
	if acc := w.desk.Accessibility; acc != nil {
		for _, win := range candidates {
			for _, label := range w.cfg.ButtonLabels {
				if w.press(ctx, acc, win, label) {
					return fmt.Sprintf("Clicked '%s' in '%s'", label, win.Title), true
				}
			}
		}
	}
	if w.desk.Input == nil {
		return "", false
	}
	if err := w.desk.Input.Key(ctx, dialog, w.cfg.ConfirmKey); err != nil {
		w.log.Debug("confirm key failed", logx.String("window", dialog.ID), logx.Err(err))
		return "", false
	}
	return fmt.Sprintf("Sent '%s' to '%s'", w.cfg.ConfirmKey, dialog.Title), true
}

func (w *Watchdog) press(ctx context.Context, acc desktop.Accessibility, win desktop.Window, label string) bool {
	fold := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(label) + `$`)
	matchers := []func(string) bool{
		func(s string) bool { return s == label },
		fold.MatchString,
	}
	for _, match := range matchers {
		cctx, cancel := context.WithTimeout(ctx, w.cfg.ControlTimeout)
		ok, err := acc.Press(cctx, win, match)
		cancel()
		if err != nil {
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// mergeWindows concatenates lists, dropping repeated IDs.
func mergeWindows(lists ...[]desktop.Window) []desktop.Window {
	seen := map[string]bool{}
	var out []desktop.Window
	for _, l := range lists {
		for _, win := range l {
			if seen[win.ID] {
				continue
			}
			seen[win.ID] = true
			out = append(out, win)
		}
	}
	return out
}
