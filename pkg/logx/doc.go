// Package logx configures autolauncher's structured logging.
//
// Components log through logx.Logger, a small value type on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON lines
//   - an optional alert sink forwards high-severity lines to a Notifier
//     (min-level + rate limiting)
package logx
