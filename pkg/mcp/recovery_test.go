package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type connError struct{}

func (connError) Error() string   { return "dial tcp: connect failed" }
func (connError) Timeout() bool   { return false }
func (connError) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	var _ net.Error = timeoutError{}

	tests := []struct {
		name string
		err  error
		want RecoveryAction
	}{
		{"nil", nil, NoRetry},
		{"context canceled", context.Canceled, NoRetry},
		{"deadline exceeded", context.DeadlineExceeded, NoRetry},
		{"net timeout", timeoutError{}, NoRetry},
		{"net connection error", connError{}, RetryNewSession},
		{"eof", io.EOF, RetryNewSession},
		{"unexpected eof", io.ErrUnexpectedEOF, RetryNewSession},
		{"connection refused", errors.New("dial tcp 127.0.0.1:9999: connection refused"), RetryNewSession},
		{"connection reset", errors.New("read: Connection Reset by peer"), RetryNewSession},
		{"broken pipe", errors.New("write: broken pipe"), RetryNewSession},
		{"method not found", errors.New("jsonrpc: Method Not Found"), NoRetry},
		{"invalid params", errors.New("jsonrpc: invalid params"), NoRetry},
		{"unknown error", errors.New("something odd"), NoRetry},
		{"wrapped connection error", fmt.Errorf("call failed: %w", io.EOF), RetryNewSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}
