package visual

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autolauncher/internal/desktop"
	logx "autolauncher/pkg/logx"
)

// noise returns a w x h grayscale image of seeded random pixels.
func noise(w, h int, seed int64) *image.Gray {
	r := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(r.Intn(256))
	}
	return img
}

// button draws a blocky pattern at (x, y) and returns it as a template.
func button(dst *image.Gray, x, y int) *image.Gray {
	const w, h = 16, 12
	tpl := image.NewGray(image.Rect(0, 0, w, h))
	for ty := 0; ty < h; ty++ {
		for tx := 0; tx < w; tx++ {
			v := uint8(40)
			if (tx/4+ty/4)%2 == 0 {
				v = 220
			}
			v += uint8(tx)
			tpl.SetGray(tx, ty, color.Gray{Y: v})
			dst.SetGray(x+tx, y+ty, color.Gray{Y: v})
		}
	}
	return tpl
}

func TestFindTemplate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		x, y int
		step int
	}{
		{"coarse grid", 30, 20, 2},
		{"off grid", 31, 21, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			screen := noise(120, 80, 1)
			tpl := button(screen, tc.x, tc.y)
			m, ok := FindTemplate(screen, tpl, tc.step)
			if !ok {
				t.Fatal("no match")
			}
			if m.X != tc.x+8 || m.Y != tc.y+6 {
				t.Fatalf("match at %d,%d, want %d,%d", m.X, m.Y, tc.x+8, tc.y+6)
			}
			if m.Score < 0.99 {
				t.Fatalf("score = %.3f", m.Score)
			}
		})
	}
}

func TestFindTemplateRejectsUnrelated(t *testing.T) {
	t.Parallel()
	screen := noise(120, 80, 1)
	m, ok := FindTemplate(screen, noise(16, 12, 2), 1)
	if ok && m.Score >= 0.8 {
		t.Fatalf("unrelated template scored %.3f", m.Score)
	}
	if _, ok := FindTemplate(noise(10, 10, 1), noise(16, 12, 2), 1); ok {
		t.Fatal("template larger than image matched")
	}
}

func setup(t *testing.T, title string) (*desktop.Fake, *Matcher) {
	t.Helper()
	screen := noise(120, 80, 1)
	tpl := button(screen, 30, 20)
	f := desktop.NewFake()
	f.SetWindows(desktop.Window{ID: "l", Title: title, X: 100, Y: 50, W: 120, H: 80})
	f.SetShot("l", screen)
	m := New(Config{GuardGap: time.Millisecond}, f.Backend(), []Template{{Name: "ok", Image: tpl}}, logx.Nop())
	return f, m
}

func TestScanClicksMatch(t *testing.T) {
	t.Parallel()
	f, m := setup(t, "Game Launcher")
	f.SetPointer(desktop.Point{X: 5, Y: 5})

	hit, err := m.Scan(context.Background())
	if err != nil || hit == nil {
		t.Fatalf("Scan = %v, %v", hit, err)
	}
	if f.ClickCount() != 1 || f.Clicks[0] != (desktop.Point{X: 138, Y: 76}) {
		t.Fatalf("clicks = %v, want one at 138,76", f.Clicks)
	}
	if m.LastFix().IsZero() {
		t.Fatal("LastFix not recorded")
	}
}

func TestScanSkipsWhenPointerMoves(t *testing.T) {
	t.Parallel()
	f, m := setup(t, "Game Launcher")
	f.SetPointer(desktop.Point{X: 0, Y: 0}, desktop.Point{X: 40, Y: 0})

	_, err := m.Scan(context.Background())
	if !errors.Is(err, ErrUserActive) {
		t.Fatalf("err = %v, want ErrUserActive", err)
	}
	if f.ClickCount() != 0 || !m.LastFix().IsZero() {
		t.Fatal("clicked while the user was active")
	}
}

func TestScanSmallMovementAllowed(t *testing.T) {
	t.Parallel()
	f, m := setup(t, "Game Launcher")
	f.SetPointer(desktop.Point{X: 0, Y: 0}, desktop.Point{X: 6, Y: 6})

	if _, err := m.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if f.ClickCount() != 1 {
		t.Fatalf("clicks = %d, want 1", f.ClickCount())
	}
}

func TestScanIgnoresWindowsOutsideAllowList(t *testing.T) {
	t.Parallel()
	f, m := setup(t, "Web Browser")

	hit, err := m.Scan(context.Background())
	if err != nil || hit != nil {
		t.Fatalf("Scan = %v, %v, want nothing", hit, err)
	}
	if f.ClickCount() != 0 {
		t.Fatal("clicked a window outside the allow-list")
	}
}

func TestLoadTemplates(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{"b_ok.png", "a_confirm.png"} {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, noise(4, 4, 3)); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadTemplates(dir)
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	if len(got) != 2 || got[0].Name != "a_confirm" || got[1].Name != "b_ok" {
		t.Fatalf("templates = %+v", got)
	}

	got, err = LoadTemplates(filepath.Join(dir, "missing"))
	if err != nil || got != nil {
		t.Fatalf("missing dir = %v, %v", got, err)
	}
}
