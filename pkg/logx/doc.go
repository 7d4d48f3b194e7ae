// Package logx configures calbot's structured logging.
//
// Components log through logx.Logger, a small value type on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - the file sink writes JSON lines
//   - an optional chat sink forwards WARN+ lines to an operator chat,
//     rate limited and queued so logging never blocks a caller
package logx
