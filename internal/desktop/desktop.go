// Package desktop exposes the window, accessibility, screen capture, OCR
// and input capabilities the watchdog and the visual matcher need.
//
// Every capability is an interface so detection logic can run against
// Fake in tests. A nil capability in Backend means "not available".
package desktop

import (
	"context"
	"errors"
	"image"
	"strings"
	"time"
)

var ErrUnsupported = errors.New("desktop: capability unavailable")

// Window is a top-level window.
type Window struct {
	ID    string
	PID   int32
	Title string
	X, Y  int
	W, H  int
}

type Windows interface {
	List(ctx context.Context) ([]Window, error)
}

// Accessibility reads and drives the accessibility tree of a window's
// application.
type Accessibility interface {
	// ControlTexts returns the names/texts of up to max controls.
	ControlTexts(ctx context.Context, w Window, max int) ([]string, error)
	// Press activates the first button whose label satisfies match.
	Press(ctx context.Context, w Window, match func(label string) bool) (bool, error)
}

type Capturer interface {
	Capture(ctx context.Context, w Window) (image.Image, error)
}

type OCR interface {
	Text(ctx context.Context, img image.Image) (string, error)
}

type Input interface {
	Pointer(ctx context.Context) (x, y int, err error)
	Click(ctx context.Context, x, y int, hold time.Duration) error
	// Key sends a key (X keysym name, e.g. "Return") to the window.
	Key(ctx context.Context, w Window, key string) error
}

// IdleSource reports the time since the last keyboard or pointer input.
type IdleSource interface {
	IdleTime(ctx context.Context) (time.Duration, error)
}

// Backend bundles the capabilities of one desktop session.
type Backend struct {
	Windows       Windows
	Accessibility Accessibility
	Capturer      Capturer
	OCR           OCR
	Input         Input
	Idle          IdleSource
}

// ByPIDs filters windows owned by any of pids.
func ByPIDs(ws []Window, pids []int32) []Window {
	set := make(map[int32]bool, len(pids))
	for _, p := range pids {
		set[p] = true
	}
	var out []Window
	for _, w := range ws {
		if set[w.PID] {
			out = append(out, w)
		}
	}
	return out
}

// TitleContains filters windows whose title contains any of words
// (case-insensitive).
func TitleContains(ws []Window, words []string) []Window {
	var out []Window
	for _, w := range ws {
		t := strings.ToLower(w.Title)
		for _, k := range words {
			if k != "" && strings.Contains(t, strings.ToLower(k)) {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

// Point is a screen coordinate.
type Point struct{ X, Y int }
