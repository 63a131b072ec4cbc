package tgui

import (
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

// MaxMessageLen is Telegram's text message limit in runes.
const MaxMessageLen = 4096

var (
	ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
	ErrBadCallbackData     = errors.New("tgui: malformed callback_data")
)

// Data formats inline callback data as "scope:action:payload".
// The payload is kept as-is and may itself contain ':'.
func Data(scope, action, payload string) (string, error) {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	s := scope + ":" + action
	if payload != "" {
		s += ":" + payload
	}
	if len(s) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return s, nil
}

// Split is the inverse of Data. A missing payload yields "".
func Split(data string) (scope, action, payload string, err error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", ErrBadCallbackData
	}
	if len(parts) == 3 {
		payload = parts[2]
	}
	return parts[0], parts[1], payload, nil
}
