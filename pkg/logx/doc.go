// Package logx configures RetroSpeedBot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional Discord channel sink (min-level + rate limiting)
package logx
