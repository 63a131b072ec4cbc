package desktop

import (
	"context"
	"image"
	"sync"
	"time"
)

// Fake is an in-memory desktop used by tests.
type Fake struct {
	mu sync.Mutex

	windows []Window
	// texts and buttons are keyed by window ID.
	texts   map[string][]string
	buttons map[string][]string
	ocr     map[string]string
	shots   map[string]image.Image
	// captured maps returned screenshots back to their window.
	captured map[image.Image]string

	pointer    []Point
	pointerIdx int

	Clicks  []Point
	Keys    []string
	Pressed []string

	// NoAccessibility makes ControlTexts fail with ErrUnsupported.
	NoAccessibility bool
	// PressFails makes every Press report false.
	PressFails bool
	// KeyErr is returned by Key.
	KeyErr error
}

func NewFake() *Fake {
	return &Fake{
		texts:   map[string][]string{},
		buttons: map[string][]string{},
		ocr:     map[string]string{},
		shots:   map[string]image.Image{},

		captured: map[image.Image]string{},
	}
}

// Backend exposes the fake through every capability.
func (f *Fake) Backend() Backend {
	return Backend{Windows: f, Accessibility: f, Capturer: f, OCR: f, Input: f}
}

func (f *Fake) SetWindows(ws ...Window) {
	f.mu.Lock()
	f.windows = append([]Window(nil), ws...)
	f.mu.Unlock()
}

// RemoveWindow drops a window by ID (the dialog went away).
func (f *Fake) RemoveWindow(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.windows[:0]
	for _, w := range f.windows {
		if w.ID != id {
			out = append(out, w)
		}
	}
	f.windows = out
}

func (f *Fake) SetTexts(id string, texts ...string) {
	f.mu.Lock()
	f.texts[id] = texts
	f.mu.Unlock()
}

func (f *Fake) SetButtons(id string, labels ...string) {
	f.mu.Lock()
	f.buttons[id] = labels
	f.mu.Unlock()
}

func (f *Fake) SetOCR(id, text string) {
	f.mu.Lock()
	f.ocr[id] = text
	f.mu.Unlock()
}

func (f *Fake) SetShot(id string, img image.Image) {
	f.mu.Lock()
	f.shots[id] = img
	f.mu.Unlock()
}

// SetPointer queues pointer positions; the last one repeats.
func (f *Fake) SetPointer(pos ...Point) {
	f.mu.Lock()
	f.pointer = pos
	f.pointerIdx = 0
	f.mu.Unlock()
}

func (f *Fake) List(context.Context) ([]Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Window(nil), f.windows...), nil
}

func (f *Fake) ControlTexts(_ context.Context, w Window, max int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NoAccessibility {
		return nil, ErrUnsupported
	}
	t := f.texts[w.ID]
	if max > 0 && len(t) > max {
		t = t[:max]
	}
	return append([]string(nil), t...), nil
}

func (f *Fake) Press(_ context.Context, w Window, match func(string) bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PressFails {
		return false, nil
	}
	for _, b := range f.buttons[w.ID] {
		if match(b) {
			f.Pressed = append(f.Pressed, w.ID+":"+b)
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) Capture(_ context.Context, w Window) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.shots[w.ID]
	if !ok {
		img = image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	f.captured[img] = w.ID
	return img, nil
}

func (f *Fake) Text(_ context.Context, img image.Image) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ocr[f.captured[img]], nil
}

func (f *Fake) Pointer(context.Context) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pointer) == 0 {
		return 0, 0, nil
	}
	p := f.pointer[f.pointerIdx]
	if f.pointerIdx < len(f.pointer)-1 {
		f.pointerIdx++
	}
	return p.X, p.Y, nil
}

func (f *Fake) Click(_ context.Context, x, y int, _ time.Duration) error {
	f.mu.Lock()
	f.Clicks = append(f.Clicks, Point{X: x, Y: y})
	f.mu.Unlock()
	return nil
}

func (f *Fake) Key(_ context.Context, w Window, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.KeyErr != nil {
		return f.KeyErr
	}
	f.Keys = append(f.Keys, w.ID+":"+key)
	return nil
}

// Snapshot helpers for tests.
func (f *Fake) PressedLabels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Pressed...)
}

func (f *Fake) SentKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Keys...)
}

func (f *Fake) ClickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Clicks)
}
