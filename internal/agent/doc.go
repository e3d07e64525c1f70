// Package agent implements the daemon that runs on a development machine.
//
// # Overview
//
// The Client dials the relay, authenticates with its connection key, and
// serves requests until its context is cancelled. The connection reconnects
// automatically with exponential backoff (1s doubling to 10s, reset on a
// successful handshake). A rejected key stops the loop; there is no point
// retrying bad credentials.
//
// # Handlers
//
// Incoming server requests are dispatched to pluggable handlers:
//
//   - Executor: runs the coding assistant for an execute request, streaming
//     output back as it is produced. CommandExecutor shells out to a
//     configured binary with the prompt on stdin and emits one stream event
//     per output line.
//   - FileHandler: read/write/list/delete/rename confined to configured
//     workspace roots. Paths that resolve outside every root are rejected.
//   - TerminalManager: interactive shells over pseudo-terminals, multiplexed
//     by terminal ID, with resize and close.
//   - GitHandler: a closed set of git subcommands (status, diff, log,
//     branches, checkout) run in a confined working directory.
//
// # Aborts
//
// One execute runs per session; a new execute for the same session cancels
// the previous run. An abort cancels the run and always gets an answer,
// even when there is nothing left to cancel.
package agent
