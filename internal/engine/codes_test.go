package engine

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
)

func TestErrorText(t *testing.T) {
	require.Equal(t, "Busy Here", ErrorText(SIPBusyHere))
	require.Equal(t, "Engine is not connected", ErrorText(CodeNotConnected))
	require.Equal(t, "Unknown error (12345)", ErrorText(12345))
}

func TestWrapCodeError(t *testing.T) {
	err := Wrap(Reject(CodeNotConnected), "invite")
	require.True(t, errors.Is(err, errors.ErrEngineUnavailable))
	require.Equal(t, CodeNotConnected, err.Context["engine_code"])
	require.Contains(t, err.Error(), "Engine is not connected")

	err = Wrap(Reject(404), "invite")
	require.True(t, errors.Is(err, errors.ErrEngineRejected))

	err = Wrap(stderrors.New("boom"), "bye")
	require.True(t, errors.Is(err, errors.ErrEngineRejected))
	require.Nil(t, Wrap(nil, "noop"))
}

func TestIsRemoteCancel(t *testing.T) {
	for _, code := range []int{CodeOK, SIPRequestTerminated, SIPRequestTimeout, SIPTemporarilyUnavail} {
		require.True(t, IsRemoteCancel(code), "code %d", code)
	}
	require.False(t, IsRemoteCancel(500))
	require.False(t, IsRemoteCancel(CodeActionFailed))
}
