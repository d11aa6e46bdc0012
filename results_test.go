package psflight

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestResultChannelOrder(t *testing.T) {
	c := NewResultChannel()
	go func() {
		for i := 0; i < 100; i++ {
			_ = c.Send(&Result{Body: []byte{byte(i)}})
		}
		_ = c.Complete()
	}()

	for i := 0; i < 100; i++ {
		r, err := c.Recv()
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, r.Body)
	}
	_, err := c.Recv()
	require.Equal(t, io.EOF, err)
	_, err = c.Recv()
	require.Equal(t, io.EOF, err)
	require.Equal(t, 100, c.Sent())
}

func TestResultChannelErrorAfterResults(t *testing.T) {
	c := NewResultChannel()
	require.NoError(t, c.Send(&Result{Body: []byte{1}}))
	require.NoError(t, c.Fail(NewErrorf(Internal, "boom")))

	r, err := c.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte{1}, r.Body)

	_, err = c.Recv()
	require.Equal(t, Internal, ErrorCodeOf(err))
}

func TestResultChannelRejectsAfterTerminal(t *testing.T) {
	c := NewResultChannel()
	require.NoError(t, c.Complete())

	require.ErrorIs(t, c.Send(&Result{}), ErrResultChannelClosed)
	require.ErrorIs(t, c.Complete(), ErrResultChannelClosed)
	require.ErrorIs(t, c.Fail(NewErrorf(Internal, "late")), ErrResultChannelClosed)
	require.Equal(t, 0, c.Sent())

	_, err := c.Recv()
	require.Equal(t, io.EOF, err)
}

func TestResultChannelAbortWins(t *testing.T) {
	c := NewResultChannel()
	require.NoError(t, c.Send(&Result{Body: []byte{1}}))
	require.True(t, c.Abort(ErrDeadlineExceeded))

	// aborting discards undelivered results and surfaces the cause at once
	_, err := c.Recv()
	require.True(t, IsDeadlineExceeded(err))

	// the producer learns about the cancellation, it is not a programming error
	select {
	case <-c.Done():
	default:
		t.Fatal("done should be closed")
	}
	require.ErrorIs(t, c.Send(&Result{}), ErrDeadlineExceeded)
	require.ErrorIs(t, c.Complete(), ErrDeadlineExceeded)
	require.False(t, c.Finish(nil))
	require.False(t, c.Abort(ErrCallCanceled))
}

func TestResultChannelCloseUnblocksRecv(t *testing.T) {
	c := NewResultChannel()
	errs := make(chan error, 1)
	go func() {
		_, err := c.Recv()
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-errs:
		require.Equal(t, Canceled, ErrorCodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("recv did not return after close")
	}
}

func TestResultChannelSingleTerminal(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := NewResultChannel()
		var hooks atomic.Int32
		var terminal atomic.Error
		c.OnTerminal(func(err error) {
			hooks.Inc()
			terminal.Store(err)
		})

		var wg sync.WaitGroup
		var wins atomic.Int32
		for _, fn := range []func() bool{
			func() bool { return c.Finish(nil) },
			func() bool { return c.Abort(ErrDeadlineExceeded) },
			func() bool { return c.Finish(NewErrorf(Internal, "boom")) },
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if fn() {
					wins.Inc()
				}
			}()
		}
		wg.Wait()

		require.EqualValues(t, 1, wins.Load())
		require.EqualValues(t, 1, hooks.Load())

		_, err := c.Recv()
		if terminal.Load() == nil {
			require.Equal(t, io.EOF, err)
		} else {
			require.Equal(t, terminal.Load(), err)
		}
	}
}

func TestResultChannelHookRunsBeforeDelivery(t *testing.T) {
	c := NewResultChannel()
	release := make(chan struct{})
	var hookDone atomic.Bool
	c.OnTerminal(func(error) {
		<-release
		hookDone.Store(true)
	})

	go func() { _ = c.Complete() }()

	recvd := make(chan struct{})
	go func() {
		_, _ = c.Recv()
		close(recvd)
	}()

	select {
	case <-recvd:
		t.Fatal("terminal delivered before hook finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-recvd
	require.True(t, hookDone.Load())
}

func TestResultChannelAll(t *testing.T) {
	c := NewResultChannel()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Send(&Result{Body: []byte{byte(i)}}))
	}
	require.NoError(t, c.Complete())

	var bodies [][]byte
	for r, err := range c.All() {
		require.NoError(t, err)
		bodies = append(bodies, r.Body)
	}
	require.Equal(t, [][]byte{{0}, {1}, {2}}, bodies)

	c = NewResultChannel()
	require.NoError(t, c.Send(&Result{}))
	require.NoError(t, c.Send(&Result{}))
	for range c.All() {
		break
	}
	// stopping early cancels the producer
	require.ErrorIs(t, c.Send(&Result{}), ErrCallCanceled)
}
