// Package logx configures warmline's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional operator sink (min-level + rate limiting) that mirrors
//     warnings to connected dashboards
package logx
