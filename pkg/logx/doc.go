// Package logx is planbot's structured logging on top of zerolog.
//
// Console output is human-readable with a short caller, the optional file
// output is JSON, and an optional chat sink forwards warnings to the
// operator channel under a rate limit.
package logx
