// Package engine speaks the Bitcoin peer protocol over TCP. It opens the
// outbound sessions requested by the connection manager, performs the
// version handshake, and feeds headers and gossiped addresses into the
// node.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/biadnet/biadnet/internal/p2p"
	"github.com/biadnet/biadnet/libs/log"
	tmrand "github.com/biadnet/biadnet/libs/rand"
	"github.com/biadnet/biadnet/libs/service"
)

// ErrNotRunning is the outcome of sessions requested while the engine is
// not running.
var ErrNotRunning = errors.New("engine is not running")

// HeaderSink receives the headers and blocks peers send.
type HeaderSink interface {
	ProcessHeaders(headers []*wire.BlockHeader) error
	ProcessBlock(block *wire.MsgBlock) error
	Locator() blockchain.BlockLocator
	Height() uint32
}

// AddressSink receives peer addresses learned from gossip.
type AddressSink interface {
	Add(addrs ...p2p.PeerAddress) (int, error)
}

// Options specifies options for an Engine.
type Options struct {
	// Params are the parameters of the network to join.
	Params *chaincfg.Params

	// ProtocolVersion is the highest protocol version the engine speaks.
	ProtocolVersion uint32

	// UserAgent is advertised as /UserAgent/ in the version message.
	UserAgent string

	// DialTimeout is the timeout for establishing a TCP connection.
	DialTimeout time.Duration

	// HandshakeTimeout is the timeout for the version handshake.
	HandshakeTimeout time.Duration
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Params == nil {
		return errors.New("network parameters are required")
	}
	if o.ProtocolVersion == 0 {
		return errors.New("protocol version is required")
	}
	if len(o.UserAgent)+2 > wire.MaxUserAgentLen {
		return fmt.Errorf("user agent is longer than %d bytes", wire.MaxUserAgentLen-2)
	}
	if o.DialTimeout < 0 || o.HandshakeTimeout < 0 {
		return errors.New("timeouts can't be negative")
	}
	return nil
}

// Engine opens outbound peer sessions. Every session runs in its own
// goroutine until the peer disconnects, fails, or the engine stops.
type Engine struct {
	service.BaseService
	logger  log.Logger
	options Options
	headers HeaderSink
	addrs   AddressSink
	metrics *Metrics
	nonce   uint64

	// dial is replaced in tests.
	dial func(ctx context.Context, network, address string) (net.Conn, error)

	mtx    sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ p2p.Engine = (*Engine)(nil)

// NewEngine creates a new Engine. addrs may be nil, in which case gossiped
// addresses are dropped.
func NewEngine(
	logger log.Logger,
	headers HeaderSink,
	addrs AddressSink,
	options Options,
	metrics *Metrics,
) (*Engine, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	e := &Engine{
		logger:  logger,
		options: options,
		headers: headers,
		addrs:   addrs,
		metrics: metrics,
		nonce:   tmrand.Nonce(),
	}
	dialer := &net.Dialer{Timeout: options.DialTimeout}
	e.dial = dialer.DialContext
	e.BaseService = *service.NewBaseService(logger, "Engine", e)
	return e, nil
}

// OnStart implements service.Service.
func (e *Engine) OnStart(ctx context.Context) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	return nil
}

// OnStop implements service.Service. It waits for every session to end.
func (e *Engine) OnStop() {
	e.mtx.Lock()
	e.cancel()
	e.mtx.Unlock()
	e.wg.Wait()
}

// AddPeer implements p2p.Engine. The session ends when the peer goes away,
// when ctx is canceled, or when the engine stops.
func (e *Engine) AddPeer(ctx context.Context, addr p2p.PeerAddress) *p2p.Session {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.ctx == nil || e.ctx.Err() != nil {
		return p2p.FailedSession(addr, ErrNotRunning)
	}

	session := p2p.NewSession(addr)
	peerCtx, cancel := context.WithCancel(e.ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		select {
		case <-ctx.Done():
			cancel()
		case <-peerCtx.Done():
		}
	}()
	go func() {
		defer e.wg.Done()
		defer cancel()
		session.Resolve(e.runPeer(peerCtx, session))
	}()
	return session
}

// runPeer dials addr and serves the connection. It returns nil when the peer
// disconnected or the context was canceled.
func (e *Engine) runPeer(ctx context.Context, session *p2p.Session) error {
	addr := session.Addr()
	logger := e.logger.With("peer", addr, "session", session.ID())

	conn, err := e.dial(ctx, "tcp", addr.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to dial %v: %w", addr, err)
	}

	p := newPeer(logger, conn, addr, e)

	// closing the connection unblocks any pending read
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		_ = conn.Close()
	}()

	if err := p.handshake(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("handshake with %v failed: %w", addr, err)
	}
	logger.Info("peer connected", "version", p.version, "user_agent", p.userAgent, "height", p.startHeight)

	e.metrics.Connected.Add(1)
	defer e.metrics.Connected.Add(-1)

	err = p.serve()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
