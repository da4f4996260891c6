package p2p

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// A Session represents one outbound connection attempt to a peer, from dialing
// until the connection ends. It resolves exactly once:
// 1) Done is closed when the session has ended,
// 2) Err is nil if the peer disconnected normally, or the reason it failed.
type Session struct {
	id   string
	addr PeerAddress

	once sync.Once
	done chan struct{}
	mtx  sync.RWMutex
	err  error
}

// NewSession returns an unresolved session for addr.
func NewSession(addr PeerAddress) *Session {
	return &Session{
		id:   uuid.NewString(),
		addr: addr,
		done: make(chan struct{}),
	}
}

// FailedSession returns a session that already resolved with err. Engines
// return it when they cannot even start dialing.
func FailedSession(addr PeerAddress, err error) *Session {
	s := NewSession(addr)
	s.Resolve(err)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Addr() PeerAddress { return s.addr }

// Done returns a channel that's closed when the session has ended and is
// supposed to be used in a select statement.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns nil while the session is running or if it ended normally, and
// the failure otherwise.
func (s *Session) Err() error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.err
}

// Resolve ends the session with err. Only the first call has any effect; it
// reports whether this call resolved the session.
func (s *Session) Resolve(err error) bool {
	resolved := false
	s.once.Do(func() {
		s.mtx.Lock()
		s.err = err
		s.mtx.Unlock()
		close(s.done)
		resolved = true
	})
	return resolved
}

// Wait blocks until the session ends or ctx is canceled, and returns the
// peer address or the error the session ended with.
func (s *Session) Wait(ctx context.Context) (PeerAddress, error) {
	select {
	case <-s.done:
		if err := s.Err(); err != nil {
			return PeerAddress{}, err
		}
		return s.addr, nil
	case <-ctx.Done():
		return PeerAddress{}, ctx.Err()
	}
}
