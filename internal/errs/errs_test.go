package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- FromStatus ---

func TestFromStatus_Mapping(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{408, Timeout},
		{429, Server},
		{500, Server},
		{502, Server},
		{503, Server},
		{401, Auth},
		{403, Auth},
		{404, Validation},
		{400, Validation},
		{422, Validation},
		{302, Unknown},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			e := FromStatus("listing jobs", tc.status, "boom")
			assert.Equal(t, tc.want, e.Kind)
			assert.Equal(t, tc.status, e.Status)
		})
	}
}

func TestFromStatus_ErrorString(t *testing.T) {
	e := FromStatus("creating job", 503, "service unavailable")
	assert.Contains(t, e.Error(), "creating job")
	assert.Contains(t, e.Error(), "503")
}

// --- Wrap / Unwrap ---

func TestWrap_PreservesChain(t *testing.T) {
	inner := errors.New("connection refused")
	e := Wrap(Network, "dialing socket", inner)

	require.ErrorIs(t, e, inner)
	assert.Equal(t, Network, Classify(e))
}

func TestWrap_ClassifiesThroughFurtherWrapping(t *testing.T) {
	e := fmt.Errorf("sync pass: %w", New(Auth, "refreshing jobs", "token expired"))
	assert.Equal(t, Auth, Classify(e))
	assert.False(t, Retryable(e))
}

// --- Classify ---

func TestClassify_DeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	assert.Equal(t, Timeout, Classify(ctx.Err()))
	assert.True(t, Retryable(ctx.Err()))
}

func TestClassify_NetTimeout(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ETIMEDOUT)}
	// OpError.Timeout follows its inner error; ETIMEDOUT reports true.
	assert.Equal(t, Timeout, Classify(err))
}

func TestClassify_NetFailure(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	assert.Equal(t, Network, Classify(err))
	assert.True(t, Retryable(err))
}

func TestClassify_Unrecognized(t *testing.T) {
	assert.Equal(t, Unknown, Classify(errors.New("mystery")))
	assert.False(t, Retryable(errors.New("mystery")))
}

func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, Unknown, Classify(nil))
}

// --- Retryable ---

func TestRetryable_ByKind(t *testing.T) {
	assert.True(t, Retryable(New(Timeout, "op", "x")))
	assert.True(t, Retryable(New(Network, "op", "x")))
	assert.True(t, Retryable(New(Server, "op", "x")))
	assert.False(t, Retryable(New(Auth, "op", "x")))
	assert.False(t, Retryable(New(Validation, "op", "x")))
	assert.False(t, Retryable(New(Unknown, "op", "x")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "timeout", Timeout.String())
	assert.Equal(t, "network", Network.String())
	assert.Equal(t, "server", Server.String())
	assert.Equal(t, "auth", Auth.String())
	assert.Equal(t, "validation", Validation.String())
	assert.Equal(t, "unknown", Unknown.String())
}
