package app

import (
	"reflect"

	"autolauncher/internal/config"
)

// restartOnly lists sections whose components are built once in NewApp.
var restartOnly = map[string]bool{
	"storage":  true,
	"engine":   true,
	"watchdog": true,
	"visual":   true,
	"sysmon":   true,
	"process":  true,
	"power":    true,
	"desktop":  true,
	"telegram": true,
}

// changedSections names the top-level config sections that differ.
func changedSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return []string{"all"}
	}
	pairs := []struct {
		name string
		a, b any
	}{
		{"logging", prev.Logging, next.Logging},
		{"storage", prev.Storage, next.Storage},
		{"scheduler", prev.Scheduler, next.Scheduler},
		{"engine", prev.Engine, next.Engine},
		{"watchdog", prev.Watchdog, next.Watchdog},
		{"visual", prev.Visual, next.Visual},
		{"sysmon", prev.Sysmon, next.Sysmon},
		{"process", prev.Process, next.Process},
		{"power", prev.Power, next.Power},
		{"desktop", prev.Desktop, next.Desktop},
		{"telegram", prev.Telegram, next.Telegram},
		{"plugins", prev.Plugins, next.Plugins},
		{"tasks", prev.Tasks, next.Tasks},
	}
	var out []string
	for _, p := range pairs {
		if !reflect.DeepEqual(p.a, p.b) {
			out = append(out, p.name)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s || v == "all" {
			return true
		}
	}
	return false
}
