package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction determines how a failed MCP operation is handled.
type RecoveryAction int

const (
	// NoRetry — the error is not recoverable (bad request, auth
	// failure, timeout).
	NoRetry RecoveryAction = iota
	// RetrySameSession — transient error, retry on the existing session.
	RetrySameSession
	// RetryNewSession — transport failure, recreate the session first.
	RetryNewSession
)

const (
	// InitTimeout bounds transport creation plus the MCP handshake.
	InitTimeout = 30 * time.Second

	// ReinitTimeout bounds session recreation during recovery.
	ReinitTimeout = 10 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and
	// ListTools. Conservative: some tools are legitimately slow.
	OperationTimeout = 90 * time.Second

	// RetryBackoffMin and RetryBackoffMax bound the jittered wait
	// before the single retry attempt.
	RetryBackoffMin = 250 * time.Millisecond
	RetryBackoffMax = 750 * time.Millisecond
)

// connectionFailures are error substrings that mark a dead transport.
var connectionFailures = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"connection closed",
	"no such host",
}

// protocolFailures are substrings of JSON-RPC errors the server would
// answer identically on retry.
var protocolFailures = []string{
	"method not found",
	"invalid params",
	"invalid request",
	"parse error",
}

// ClassifyError decides the recovery action for an MCP operation error.
// Unknown errors are classified NoRetry: retrying a call whose effect
// is unknown is worse than surfacing the failure.
func ClassifyError(err error) RecoveryAction {
	switch {
	case err == nil:
		return NoRetry
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NoRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			// A slow server stays slow; do not pile on.
			return NoRetry
		}
		return RetryNewSession
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return RetryNewSession
	}

	msg := strings.ToLower(err.Error())
	if matchesAnySubstring(msg, connectionFailures) {
		return RetryNewSession
	}
	if matchesAnySubstring(msg, protocolFailures) {
		return NoRetry
	}

	return NoRetry
}

func matchesAnySubstring(msg string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
