package tgui

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDataSplit(t *testing.T) {
	t.Parallel()
	d, err := Data(" perm ", "run", "12:x")
	if err != nil || d != "perm:run:12:x" {
		t.Fatalf("Data = %q, %v", d, err)
	}
	scope, action, payload, err := Split(d)
	if err != nil || scope != "perm" || action != "run" || payload != "12:x" {
		t.Fatalf("Split = %q %q %q %v", scope, action, payload, err)
	}
	if _, _, p, err := Split("perm:run"); err != nil || p != "" {
		t.Fatalf("Split without payload = %q, %v", p, err)
	}
	for _, bad := range []string{"", "perm", ":run", "perm:"} {
		if _, _, _, err := Split(bad); !errors.Is(err, ErrBadCallbackData) {
			t.Fatalf("Split(%q) err = %v", bad, err)
		}
	}
	if _, err := Data("perm", "run", strings.Repeat("9", MaxCallbackDataLen)); !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("long payload err = %v", err)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 3, "abc"},
		{"abcdef", 3, "ab…"},
		{"äöüß", 2, "ä…"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
	long := strings.Repeat("x", MaxMessageLen+10)
	if n := utf8.RuneCountInString(TruncRunes(long, MaxMessageLen)); n != MaxMessageLen {
		t.Fatalf("truncated length = %d", n)
	}
}

func TestInlineRows(t *testing.T) {
	t.Parallel()
	rm := NewInline().Row(Btn("A", "s:a"), Btn("B", "s:b")).Row(Btn("C", "s:c")).Markup()
	if len(rm.InlineKeyboard) != 2 || len(rm.InlineKeyboard[0]) != 2 || rm.InlineKeyboard[1][0].Data != "s:c" {
		t.Fatalf("keyboard = %+v", rm.InlineKeyboard)
	}
}
