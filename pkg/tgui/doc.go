// Package tgui holds small Telegram helpers: inline keyboards, callback
// data framing and message length limits.
package tgui
