package desktop

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	a11yBusName      = "org.a11y.Bus"
	a11yBusPath      = dbus.ObjectPath("/org/a11y/bus")
	atspiRegistry    = "org.a11y.atspi.Registry"
	atspiRootPath    = dbus.ObjectPath("/org/a11y/atspi/accessible/root")
	atspiAccessible  = "org.a11y.atspi.Accessible"
	atspiAction      = "org.a11y.atspi.Action"
	atspiMaxDepth    = 12
	atspiButtonRoles = "push button|toggle button|button"
)

// atspiRef is an accessible object reference: (bus name, object path).
type atspiRef struct {
	Name string
	Path dbus.ObjectPath
}

// ATSPI reads the accessibility tree over the AT-SPI2 D-Bus protocol.
type ATSPI struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func NewATSPI() *ATSPI { return &ATSPI{} }

// bus connects lazily to the accessibility bus advertised on the session
// bus.
func (a *ATSPI) bus() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil && a.conn.Connected() {
		return a.conn, nil
	}
	sess, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: session bus: %v", ErrUnsupported, err)
	}
	var addr string
	if err := sess.Object(a11yBusName, a11yBusPath).Call(a11yBusName+".GetAddress", 0).Store(&addr); err != nil {
		return nil, fmt.Errorf("%w: a11y bus: %v", ErrUnsupported, err)
	}
	conn, err := dbus.Connect(addr)
	if err != nil {
		return nil, fmt.Errorf("connect a11y bus: %w", err)
	}
	a.conn = conn
	return conn, nil
}

// appsFor returns the application roots whose D-Bus connection belongs to
// pid.
func (a *ATSPI) appsFor(ctx context.Context, conn *dbus.Conn, pid int32) ([]atspiRef, error) {
	var apps []atspiRef
	err := conn.Object(atspiRegistry, atspiRootPath).
		CallWithContext(ctx, atspiAccessible+".GetChildren", 0).Store(&apps)
	if err != nil {
		return nil, err
	}
	var out []atspiRef
	for _, app := range apps {
		var p uint32
		if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetConnectionUnixProcessID", 0, app.Name).Store(&p); err != nil {
			continue
		}
		if int32(p) == pid {
			out = append(out, app)
		}
	}
	return out, nil
}

type atspiNode struct {
	ref  atspiRef
	name string
	role string
}

// walk visits the tree depth-first until visit returns false.
func (a *ATSPI) walk(ctx context.Context, conn *dbus.Conn, root atspiRef, visit func(atspiNode) bool) error {
	type item struct {
		ref   atspiRef
		depth int
	}
	stack := []item{{root, 0}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		obj := conn.Object(it.ref.Name, it.ref.Path)

		node := atspiNode{ref: it.ref}
		if v, err := obj.GetProperty(atspiAccessible + ".Name"); err == nil {
			node.name, _ = v.Value().(string)
		}
		_ = obj.CallWithContext(ctx, atspiAccessible+".GetRoleName", 0).Store(&node.role)
		if !visit(node) {
			return nil
		}
		if it.depth >= atspiMaxDepth {
			continue
		}
		var kids []atspiRef
		if err := obj.CallWithContext(ctx, atspiAccessible+".GetChildren", 0).Store(&kids); err != nil {
			continue
		}
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, item{kids[i], it.depth + 1})
		}
	}
	return nil
}

func (a *ATSPI) ControlTexts(ctx context.Context, w Window, max int) ([]string, error) {
	conn, err := a.bus()
	if err != nil {
		return nil, err
	}
	apps, err := a.appsFor(ctx, conn, w.PID)
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, ErrUnsupported
	}
	var texts []string
	visited := 0
	for _, app := range apps {
		err := a.walk(ctx, conn, app, func(n atspiNode) bool {
			visited++
			if s := strings.TrimSpace(n.name); s != "" {
				texts = append(texts, s)
			}
			return max <= 0 || visited < max
		})
		if err != nil {
			return texts, err
		}
		if max > 0 && visited >= max {
			break
		}
	}
	return texts, nil
}

func (a *ATSPI) Press(ctx context.Context, w Window, match func(string) bool) (bool, error) {
	conn, err := a.bus()
	if err != nil {
		return false, err
	}
	apps, err := a.appsFor(ctx, conn, w.PID)
	if err != nil {
		return false, err
	}
	var target *atspiRef
	for _, app := range apps {
		_ = a.walk(ctx, conn, app, func(n atspiNode) bool {
			if isButtonRole(n.role) && match(strings.TrimSpace(n.name)) {
				ref := n.ref
				target = &ref
				return false
			}
			return true
		})
		if target != nil {
			break
		}
	}
	if target == nil {
		return false, nil
	}
	var ok bool
	if err := conn.Object(target.Name, target.Path).CallWithContext(ctx, atspiAction+".DoAction", 0, int32(0)).Store(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func isButtonRole(role string) bool {
	role = strings.ToLower(role)
	for _, r := range strings.Split(atspiButtonRoles, "|") {
		if role == r {
			return true
		}
	}
	return false
}
