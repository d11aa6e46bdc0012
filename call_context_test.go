package psflight

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type headerRecorder struct {
	NoOpMiddleware
	seen *CallHeaders
}

type otherMiddleware struct {
	NoOpMiddleware
}

func TestCallContextMiddleware(t *testing.T) {
	key := NewMiddlewareKey[*headerRecorder]("headers")
	rec := &headerRecorder{}
	cc := NewCallContext(context.Background(), CallInfo{Method: MethodDoAction}, "CLI_peer", nil, map[string]Middleware{
		"headers": rec,
		"other":   otherMiddleware{},
	})

	m, err := GetMiddleware(cc, key)
	require.NoError(t, err)
	require.Same(t, rec, m)

	_, err = GetMiddleware(cc, NewMiddlewareKey[*headerRecorder]("missing"))
	require.Equal(t, MiddlewareNotFound, ErrorCodeOf(err))

	_, err = GetMiddleware(cc, NewMiddlewareKey[*headerRecorder]("other"))
	require.Equal(t, MiddlewareNotFound, ErrorCodeOf(err))

	require.Equal(t, "CLI_peer", cc.Peer())
	require.Equal(t, MethodDoAction, cc.Info().Method)

	found, ok := CallContextFromContext(cc.Context())
	require.True(t, ok)
	require.Same(t, cc, found)
}

func TestCallContextCancellation(t *testing.T) {
	cc := NewCallContext(context.Background(), CallInfo{}, "", nil, nil)
	require.False(t, cc.IsCancelled())
	require.NoError(t, cc.Err())

	cc.Cancel(ErrCallCanceled)
	require.True(t, cc.IsCancelled())
	<-cc.Done()
	require.Equal(t, Canceled, ErrorCodeOf(cc.Err()))
}

func TestCallContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	cc := NewCallContext(ctx, CallInfo{}, "", nil, nil)
	<-cc.Done()
	require.True(t, cc.IsCancelled())
	require.True(t, IsDeadlineExceeded(cc.Err()))
}

func TestCallContextHeadersAreCopies(t *testing.T) {
	h := NewCallHeaders()
	require.NoError(t, h.Insert("key", "value"))
	cc := NewCallContext(context.Background(), CallInfo{}, "", h, nil)

	got := cc.Headers()
	got.Remove("key")
	v, ok := cc.Headers().Get("key")
	require.True(t, ok)
	require.Equal(t, "value", v)
}
