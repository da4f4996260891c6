package p2p_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/biadnet/biadnet/internal/p2p"
)

func TestSessionResolvesOnce(t *testing.T) {
	addr := p2p.NewPeerAddress(net.ParseIP("10.0.0.1"), 8333, p2p.SourceDNS)
	s := p2p.NewSession(addr)
	require.NotEmpty(t, s.ID())
	require.Equal(t, addr, s.Addr())

	select {
	case <-s.Done():
		require.Fail(t, "session resolved before Resolve")
	default:
	}

	failure := errors.New("connection reset")
	require.True(t, s.Resolve(failure))
	require.False(t, s.Resolve(nil))

	<-s.Done()
	require.Equal(t, failure, s.Err())
}

func TestSessionWait(t *testing.T) {
	addr := p2p.NewPeerAddress(net.ParseIP("10.0.0.1"), 8333, p2p.SourceDNS)

	s := p2p.NewSession(addr)
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Resolve(nil)
	}()
	got, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, addr, got)

	failed := p2p.FailedSession(addr, errors.New("refused"))
	_, err = failed.Wait(context.Background())
	require.EqualError(t, err, "refused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p2p.NewSession(addr).Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
