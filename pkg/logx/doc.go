// Package logx configures MemAssistant's structured logging.
//
// Logger is a small wrapper on top of zerolog. Console output stays human
// readable, the optional file sink is JSON, and WARN+ lines can be mirrored
// into a chat through the transport adapter (rate limited, never blocking).
package logx
