package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid request body"), false},
		{"explicit", NewTransientError(errors.New("overloaded"), 529), true},
		{"eris wrapped", eris.Wrap(NewTransientError(errors.New("slow down"), 429), "provider: complete"), true},
		{"net timeout", fmt.Errorf("post: %w", timeoutErr{}), true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"message pattern", errors.New("read: Connection Reset By Peer"), true},
		{"unexpected eof", errors.New("unexpected EOF while reading body"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("upstream said no")

	assert.NoError(t, ClassifyStatus(nil, http.StatusServiceUnavailable))

	err := ClassifyStatus(base, http.StatusTooManyRequests)
	var te *TransientError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusTooManyRequests, te.StatusCode)
	assert.ErrorIs(t, err, base)

	assert.Same(t, base, ClassifyStatus(base, http.StatusBadRequest))
}
