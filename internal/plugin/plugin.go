// Package plugin hosts task lifecycle observers.
//
// A plugin is registered under a unique id and implements any subset of
// the hook interfaces below. The Manager calls hooks with panic recovery
// and a per-call timeout; a failing plugin never affects task execution.
package plugin

import (
	"context"
	"encoding/json"

	"autolauncher/internal/procsup"
	"autolauncher/internal/task"
)

type Plugin interface {
	ID() string
}

// Configurable plugins receive their raw config block on enable and
// whenever it changes.
type Configurable interface {
	Configure(ctx context.Context, raw json.RawMessage) error
}

type TaskStartHook interface {
	OnTaskStart(ctx context.Context, t task.Task, inst *procsup.Instance) error
}

type TaskEndHook interface {
	OnTaskEnd(ctx context.Context, taskID int64) error
}

type EnableHook interface {
	OnEnable(ctx context.Context) error
}

type DisableHook interface {
	OnDisable(ctx context.Context) error
}

type AppStartHook interface {
	OnAppStart(ctx context.Context) error
}

type AppShutdownHook interface {
	OnAppShutdown(ctx context.Context) error
}

// Settings is the per-plugin config block.
type Settings struct {
	Enabled bool
	Config  json.RawMessage
}

// DecodeConfig decodes a raw config block into T. Empty input yields the
// zero value.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
