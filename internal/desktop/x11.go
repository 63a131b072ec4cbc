package desktop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/screensaver"
	"github.com/jezek/xgb/xproto"
	"github.com/jezek/xgb/xtest"
)

// X11 talks to the X server over the wire protocol: EWMH properties for
// window listing, GetImage for capture, XTEST for input and MIT-SCREEN-SAVER
// for input idle time. OCR goes through the tesseract tool.
type X11 struct {
	Display    string
	OCRCommand string // default "tesseract"
	Timeout    time.Duration

	mu    sync.Mutex
	conn  *xgb.Conn
	root  xproto.Window
	setup *xproto.SetupInfo
	atoms map[string]xproto.Atom
	ext   map[string]bool
}

// NewX11 returns a Backend using the X server and AT-SPI for accessibility.
func NewX11(display, ocrCommand string) Backend {
	x := &X11{Display: display, OCRCommand: ocrCommand, Timeout: 5 * time.Second}
	return Backend{
		Windows:       x,
		Accessibility: NewATSPI(),
		Capturer:      x,
		OCR:           x,
		Input:         x,
		Idle:          x,
	}
}

// session returns the shared connection, dialing on first use.
func (x *X11) session() (*xgb.Conn, xproto.Window, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.conn != nil {
		return x.conn, x.root, nil
	}
	conn, err := xgb.NewConnDisplay(x.Display)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: x11: %v", ErrUnsupported, err)
	}
	x.conn = conn
	x.setup = xproto.Setup(conn)
	x.root = x.setup.DefaultScreen(conn).Root
	x.atoms = map[string]xproto.Atom{}
	x.ext = map[string]bool{}
	return conn, x.root, nil
}

// reset drops the connection after a failed or stalled request.
func (x *X11) reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.conn != nil {
		x.conn.Close()
		x.conn = nil
	}
}

// do runs fn against the connection and bounds it by ctx and Timeout.
// Replies have no cancellation, so a stalled server costs the connection.
func (x *X11) do(ctx context.Context, fn func(c *xgb.Conn, root xproto.Window) error) error {
	conn, root, err := x.session()
	if err != nil {
		return err
	}
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(conn, root) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		x.reset()
		return ctx.Err()
	}
}

func (x *X11) atom(c *xgb.Conn, name string) (xproto.Atom, error) {
	x.mu.Lock()
	a, ok := x.atoms[name]
	x.mu.Unlock()
	if ok {
		return a, nil
	}
	r, err := xproto.InternAtom(c, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("intern %s: %w", name, err)
	}
	x.mu.Lock()
	x.atoms[name] = r.Atom
	x.mu.Unlock()
	return r.Atom, nil
}

// extension initializes an X extension once per connection.
func (x *X11) extension(c *xgb.Conn, name string, initExt func(*xgb.Conn) error) error {
	x.mu.Lock()
	ok := x.ext[name]
	x.mu.Unlock()
	if ok {
		return nil
	}
	if err := initExt(c); err != nil {
		return fmt.Errorf("%w: %s extension: %v", ErrUnsupported, name, err)
	}
	x.mu.Lock()
	x.ext[name] = true
	x.mu.Unlock()
	return nil
}

func (x *X11) property(c *xgb.Conn, win xproto.Window, name string, typ xproto.Atom) (*xproto.GetPropertyReply, error) {
	a, err := x.atom(c, name)
	if err != nil {
		return nil, err
	}
	return xproto.GetProperty(c, false, win, a, typ, 0, 1<<16).Reply()
}

func (x *X11) List(ctx context.Context) ([]Window, error) {
	var ws []Window
	err := x.do(ctx, func(c *xgb.Conn, root xproto.Window) error {
		r, err := x.property(c, root, "_NET_CLIENT_LIST", xproto.AtomWindow)
		if err != nil {
			return err
		}
		if r.Format != 32 {
			return fmt.Errorf("%w: window manager without _NET_CLIENT_LIST", ErrUnsupported)
		}
		for _, win := range decodeWindows(r.Value) {
			w, err := x.describe(c, root, win)
			if err != nil {
				// Windows close between the list and the lookup.
				continue
			}
			ws = append(ws, w)
		}
		return nil
	})
	return ws, err
}

func (x *X11) describe(c *xgb.Conn, root, win xproto.Window) (Window, error) {
	geo, err := xproto.GetGeometry(c, xproto.Drawable(win)).Reply()
	if err != nil {
		return Window{}, err
	}
	pos, err := xproto.TranslateCoordinates(c, win, root, 0, 0).Reply()
	if err != nil {
		return Window{}, err
	}
	w := Window{
		ID: FormatWindowID(uint32(win)),
		X:  int(pos.DstX), Y: int(pos.DstY),
		W: int(geo.Width), H: int(geo.Height),
	}
	if r, err := x.property(c, win, "_NET_WM_PID", xproto.AtomCardinal); err == nil {
		if v, ok := decodeCardinal(r.Value); ok {
			w.PID = int32(v)
		}
	}
	if r, err := x.property(c, win, "_NET_WM_NAME", xproto.AtomAny); err == nil && len(r.Value) > 0 {
		w.Title = string(r.Value)
	} else if r, err := xproto.GetProperty(c, false, win, xproto.AtomWmName, xproto.AtomAny, 0, 1<<16).Reply(); err == nil {
		w.Title = string(r.Value)
	}
	return w, nil
}

func (x *X11) Capture(ctx context.Context, w Window) (image.Image, error) {
	win, err := ParseWindowID(w.ID)
	if err != nil {
		return nil, err
	}
	var img image.Image
	err = x.do(ctx, func(c *xgb.Conn, _ xproto.Window) error {
		geo, err := xproto.GetGeometry(c, xproto.Drawable(win)).Reply()
		if err != nil {
			return err
		}
		r, err := xproto.GetImage(c, xproto.ImageFormatZPixmap, xproto.Drawable(win),
			0, 0, geo.Width, geo.Height, 0xffffffff).Reply()
		if err != nil {
			return fmt.Errorf("capture %s: %w", w.ID, err)
		}
		img, err = decodeZPixmap(r.Data, int(geo.Width), int(geo.Height), r.Depth)
		return err
	})
	return img, err
}

func (x *X11) Pointer(ctx context.Context) (int, int, error) {
	var px, py int
	err := x.do(ctx, func(c *xgb.Conn, root xproto.Window) error {
		r, err := xproto.QueryPointer(c, root).Reply()
		if err != nil {
			return err
		}
		px, py = int(r.RootX), int(r.RootY)
		return nil
	})
	return px, py, err
}

func (x *X11) fake(c *xgb.Conn, root xproto.Window, typ, detail byte, px, py int16) error {
	return xtest.FakeInputChecked(c, typ, detail, xproto.TimeCurrentTime, root, px, py, 0).Check()
}

func (x *X11) Click(ctx context.Context, px, py int, hold time.Duration) error {
	err := x.do(ctx, func(c *xgb.Conn, root xproto.Window) error {
		if err := x.extension(c, "XTEST", xtest.Init); err != nil {
			return err
		}
		if err := x.fake(c, root, xproto.MotionNotify, 0, int16(px), int16(py)); err != nil {
			return err
		}
		return x.fake(c, root, xproto.ButtonPress, 1, 0, 0)
	})
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-time.After(hold):
	}
	// Release even when ctx ended so the button is never left pressed.
	return x.do(context.WithoutCancel(ctx), func(c *xgb.Conn, root xproto.Window) error {
		return x.fake(c, root, xproto.ButtonRelease, 1, 0, 0)
	})
}

// Key focuses w and types key, an X keysym name such as "Return".
func (x *X11) Key(ctx context.Context, w Window, key string) error {
	win, err := ParseWindowID(w.ID)
	if err != nil {
		return err
	}
	sym, ok := keysymFor(key)
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	return x.do(ctx, func(c *xgb.Conn, root xproto.Window) error {
		if err := x.extension(c, "XTEST", xtest.Init); err != nil {
			return err
		}
		lo, hi := x.setup.MinKeycode, x.setup.MaxKeycode
		m, err := xproto.GetKeyboardMapping(c, lo, byte(hi-lo+1)).Reply()
		if err != nil {
			return err
		}
		code, ok := keycodeFor(lo, m.KeysymsPerKeycode, m.Keysyms, sym)
		if !ok {
			return fmt.Errorf("key %q not on the keyboard map", key)
		}
		if err := xproto.SetInputFocusChecked(c, xproto.InputFocusPointerRoot, win, xproto.TimeCurrentTime).Check(); err != nil {
			return fmt.Errorf("focus %s: %w", w.ID, err)
		}
		if err := x.fake(c, root, xproto.KeyPress, byte(code), 0, 0); err != nil {
			return err
		}
		return x.fake(c, root, xproto.KeyRelease, byte(code), 0, 0)
	})
}

// IdleTime is the time since the last keyboard or pointer input.
func (x *X11) IdleTime(ctx context.Context) (time.Duration, error) {
	var d time.Duration
	err := x.do(ctx, func(c *xgb.Conn, root xproto.Window) error {
		if err := x.extension(c, "MIT-SCREEN-SAVER", screensaver.Init); err != nil {
			return err
		}
		r, err := screensaver.QueryInfo(c, xproto.Drawable(root)).Reply()
		if err != nil {
			return err
		}
		d = time.Duration(r.MsSinceUserInput) * time.Millisecond
		return nil
	})
	return d, err
}

// Text runs OCR over img with the tesseract CLI.
func (x *X11) Text(ctx context.Context, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	bin := x.OCRCommand
	if strings.TrimSpace(bin) == "" {
		bin = "tesseract"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("%w: %s not installed", ErrUnsupported, bin)
	}
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, "stdin", "stdout")
	cmd.Stdin = &buf
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// FormatWindowID renders an X window id the way xprop and wmctrl do.
func FormatWindowID(id uint32) string { return fmt.Sprintf("0x%08x", id) }

func ParseWindowID(s string) (xproto.Window, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad window id %q", s)
	}
	return xproto.Window(v), nil
}

func decodeWindows(b []byte) []xproto.Window {
	out := make([]xproto.Window, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, xproto.Window(xgb.Get32(b[i:])))
	}
	return out
}

func decodeCardinal(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return xgb.Get32(b), true
}

var errDepth = errors.New("unsupported pixmap depth")

// decodeZPixmap converts a 24/32-bit little-endian BGRX ZPixmap.
func decodeZPixmap(data []byte, w, h int, depth byte) (*image.RGBA, error) {
	if depth != 24 && depth != 32 {
		return nil, fmt.Errorf("%w %d", errDepth, depth)
	}
	if len(data) < w*h*4 {
		return nil, fmt.Errorf("short image: %d bytes for %dx%d", len(data), w, h)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		src, dst := data[i*4:i*4+4], img.Pix[i*4:i*4+4]
		dst[0], dst[1], dst[2], dst[3] = src[2], src[1], src[0], 0xff
	}
	return img, nil
}

var namedKeysyms = map[string]xproto.Keysym{
	"return":    0xff0d,
	"enter":     0xff0d,
	"kp_enter":  0xff8d,
	"escape":    0xff1b,
	"tab":       0xff09,
	"space":     0x0020,
	"backspace": 0xff08,
}

// keysymFor resolves a keysym name; single Latin-1 characters map to
// themselves.
func keysymFor(name string) (xproto.Keysym, bool) {
	if ks, ok := namedKeysyms[strings.ToLower(strings.TrimSpace(name))]; ok {
		return ks, true
	}
	if r, size := utf8.DecodeRuneInString(name); size == len(name) && r > 0x1f && r < 0x100 {
		return xproto.Keysym(r), true
	}
	return 0, false
}

func keycodeFor(first xproto.Keycode, perCode byte, syms []xproto.Keysym, want xproto.Keysym) (xproto.Keycode, bool) {
	if perCode == 0 {
		return 0, false
	}
	for i, s := range syms {
		if s == want {
			return first + xproto.Keycode(i/int(perCode)), true
		}
	}
	return 0, false
}
