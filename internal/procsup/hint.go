package procsup

import (
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// NameHint derives the process name to look for after launching target.
// For .desktop entries it is the base name of the Exec= binary.
func NameHint(target string) string {
	if strings.Contains(target, "://") {
		return ""
	}
	if strings.EqualFold(filepath.Ext(target), ".desktop") {
		if exe := desktopExec(target); exe != "" {
			return exe
		}
		return strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))
	}
	base := filepath.Base(target)
	switch strings.ToLower(filepath.Ext(base)) {
	case ".sh", ".appimage", ".py", ".exe":
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return base
}

// desktopExec returns the executable base name from the [Desktop Entry]
// group of a desktop file.
func desktopExec(path string) string {
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
		PreserveSurroundedQuote: true,
	}, path)
	if err != nil {
		return ""
	}
	entry, err := f.GetSection("Desktop Entry")
	if err != nil {
		return ""
	}
	if tryExec := strings.TrimSpace(entry.Key("TryExec").String()); tryExec != "" {
		return filepath.Base(tryExec)
	}
	return execBinary(entry.Key("Exec").String())
}

// execBinary picks the program from an Exec= command line, skipping env
// assignments and common wrappers.
func execBinary(cmdline string) string {
	for _, field := range strings.Fields(cmdline) {
		field = strings.Trim(field, `"'`)
		switch {
		case field == "", strings.HasPrefix(field, "%"):
			continue
		case strings.Contains(field, "=") && !strings.Contains(field, "/"):
			continue
		case field == "env", field == "flatpak", field == "run", strings.HasPrefix(field, "-"):
			continue
		}
		return filepath.Base(field)
	}
	return ""
}
