package errcode

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesChain(t *testing.T) {
	base := errors.New("disk gone")
	e := Wrap(base, CodeStorageUnavailable, "witness log write failed")

	assert.ErrorIs(t, e, base)
	assert.Equal(t, "storage_unavailable: witness log write failed: disk gone", e.Error())

	// Survives another layer of fmt wrapping.
	outer := fmt.Errorf("append: %w", e)
	assert.Equal(t, CodeStorageUnavailable, CodeOf(outer))
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(outer))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeBadRequest:         http.StatusBadRequest,
		CodeUnauthorized:       http.StatusForbidden,
		CodeBusy:               http.StatusConflict,
		CodeNotFound:           http.StatusNotFound,
		CodeStorageUnavailable: http.StatusServiceUnavailable,
		CodeStorageFull:        http.StatusServiceUnavailable,
		CodeChainBroken:        http.StatusLocked,
		CodeRadioFailure:       http.StatusServiceUnavailable,
		CodeTimeout:            http.StatusGatewayTimeout,
		CodePresenceNotMet:     http.StatusForbidden,
		CodeCooldown:           http.StatusTooManyRequests,
		Code("made_up"):        http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, New(code, "x").HTTPStatus(), string(code))
	}
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("anything")))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("anything")))
}

func TestWithMeta(t *testing.T) {
	e := New(CodeCooldown, "sending too fast").WithMeta("cooldown_remaining_sec", 42)
	assert.Equal(t, 42, e.Meta["cooldown_remaining_sec"])
}
