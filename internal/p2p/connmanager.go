package p2p

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/biadnet/biadnet/libs/log"
	tmrand "github.com/biadnet/biadnet/libs/rand"
	"github.com/biadnet/biadnet/libs/service"
)

// ErrNetworkExhausted is returned by ConnManager.Err when the pool ran empty
// and no address source had a candidate left.
var ErrNetworkExhausted = errors.New("no more peers to connect")

// ConnManagerOptions specifies options for a ConnManager.
type ConnManagerOptions struct {
	// MinConnections is the number of sessions the manager keeps open.
	MinConnections int

	// InitialPeers are dialed once at startup, in addition to growing the
	// pool to MinConnections. Duplicates are dialed as given.
	InitialPeers []PeerAddress

	// RetryInterval is how long the manager waits before growing the pool
	// again while it is below MinConnections, or after sessions failed. DNS
	// seeds are queried at most once per interval. Defaults to 5 seconds.
	RetryInterval time.Duration
}

// Validate validates the options.
func (o *ConnManagerOptions) Validate() error {
	if o.MinConnections <= 0 {
		return errors.New("min connections must be positive")
	}
	if o.RetryInterval < 0 {
		return errors.New("retry interval can't be negative")
	}
	for _, addr := range o.InitialPeers {
		if err := addr.Validate(); err != nil {
			return fmt.Errorf("invalid initial peer %v: %w", addr, err)
		}
	}
	return nil
}

// ConnManager keeps MinConnections outbound peer sessions open. It takes
// candidates from the local address source first and from DNS seeding when
// the local source has nothing to offer, drops sessions as they end and
// replaces them.
//
// The manager is a single goroutine owning the pool. It never blocks on any
// single session: one small goroutine per session forwards its completion to
// the manager. Sessions that ended normally are replaced right away; after a
// failure the manager waits for the retry timer before dialing again. The
// only terminal condition besides cancellation is an empty pool with no
// candidate left, reported as ErrNetworkExhausted.
type ConnManager struct {
	service.BaseService
	logger  log.Logger
	engine  Engine
	local   AddressSource
	seeder  Seeder
	options ConnManagerOptions
	metrics *Metrics

	// owned by the run goroutine
	pool       connectionPool
	dnsResults []PeerAddress // result of the last DNS query
	dnsCache   []PeerAddress // addresses of dnsResults not picked yet
	dnsQueried time.Time
	rand       *rand.Rand

	mtx  sync.Mutex
	size int
	err  error
	done chan struct{}
}

// NewConnManager creates a new connection manager. local and seeder may be
// nil.
func NewConnManager(
	logger log.Logger,
	engine Engine,
	local AddressSource,
	seeder Seeder,
	options ConnManagerOptions,
	metrics *Metrics,
) (*ConnManager, error) {
	if engine == nil {
		return nil, errors.New("no engine provided")
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if options.RetryInterval == 0 {
		options.RetryInterval = 5 * time.Second
	}
	if local == nil {
		local = emptySource{}
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	m := &ConnManager{
		logger:  logger,
		engine:  engine,
		local:   local,
		seeder:  seeder,
		options: options,
		metrics: metrics,
		rand:    tmrand.NewRand(),
		done:    make(chan struct{}),
	}
	m.BaseService = *service.NewBaseService(logger, "ConnManager", m)
	return m, nil
}

// OnStart implements service.Service.
func (m *ConnManager) OnStart(ctx context.Context) error {
	go m.run(ctx)
	return nil
}

// OnStop implements service.Service. The run goroutine exits with the
// service context.
func (m *ConnManager) OnStop() {}

// Size returns the number of sessions in the pool.
func (m *ConnManager) Size() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.size
}

// Done returns a channel that's closed when the manager has stopped, either
// because it was stopped or because the network was exhausted.
func (m *ConnManager) Done() <-chan struct{} {
	return m.done
}

// Err returns ErrNetworkExhausted once the manager gave up, and nil
// otherwise.
func (m *ConnManager) Err() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.err
}

func (m *ConnManager) run(ctx context.Context) {
	defer close(m.done)

	completions := make(chan *Session)
	var updated <-chan struct{}
	if notifier, ok := m.local.(UpdateNotifier); ok {
		updated = notifier.Updated()
	}

	for _, addr := range m.options.InitialPeers {
		m.dial(ctx, addr, completions)
	}

	var (
		retry  *time.Timer
		retryC <-chan time.Time
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	// backoff is set once failed sessions were dropped, and cleared by the
	// retry timer or by new addresses
	backoff := false
	for {
		if !backoff {
			deferred := m.grow(ctx, completions)

			if m.pool.size() == 0 && !deferred && !m.withholding() {
				m.logger.Error("no more peers to connect")
				m.mtx.Lock()
				m.err = ErrNetworkExhausted
				m.mtx.Unlock()
				return
			}
		}

		if retry == nil && (backoff || m.pool.size() < m.options.MinConnections) {
			retry = time.NewTimer(m.options.RetryInterval)
			retryC = retry.C
		}

		select {
		case session := <-completions:
			failed := m.drop(session)
			// pick up every other session that ended meanwhile
		drain:
			for {
				select {
				case session := <-completions:
					failed = m.drop(session) || failed
				default:
					break drain
				}
			}
			if failed {
				backoff = true
			}

		case <-retryC:
			retry, retryC = nil, nil
			backoff = false

		case <-updated:
			backoff = false

		case <-ctx.Done():
			return
		}
	}
}

// grow dials candidates until the pool reaches MinConnections or no source
// has a candidate left. The local source is asked first; DNS seeding is the
// fallback. It reports whether a DNS query was held back by the rate limit,
// in which case the sources are not exhausted yet.
func (m *ConnManager) grow(ctx context.Context, completions chan<- *Session) (deferred bool) {
	for m.pool.size() < m.options.MinConnections {
		addr, ok := m.local.Next()
		if !ok {
			addr, ok, deferred = m.nextDNS(ctx)
		}
		if !ok {
			return deferred
		}
		m.dial(ctx, addr, completions)
	}
	return false
}

// nextDNS takes a uniformly random address out of the DNS cache. An empty
// cache is refilled by a new query if the last one is at least RetryInterval
// old, and from the results of the last query otherwise. A query that comes
// back empty ends growth for this pass, and so does an empty result that is
// too recent to query again; deferred reports the latter.
func (m *ConnManager) nextDNS(ctx context.Context) (addr PeerAddress, ok, deferred bool) {
	if m.seeder == nil {
		return PeerAddress{}, false, false
	}
	if len(m.dnsCache) == 0 {
		queried := !m.dnsQueried.IsZero()
		if queried && time.Since(m.dnsQueried) < m.options.RetryInterval {
			if len(m.dnsResults) == 0 {
				return PeerAddress{}, false, true
			}
			m.dnsCache = append(m.dnsCache[:0], m.dnsResults...)
		} else {
			m.metrics.DNSQueries.Add(1)
			addrs, err := m.seeder.Seed(ctx)
			if err != nil {
				m.logger.Info("DNS seeding failed", "err", err)
			}
			m.logger.Debug("DNS seeding returned addresses", "addresses", len(addrs))
			m.dnsQueried = time.Now()
			m.dnsResults = append([]PeerAddress(nil), addrs...)
			m.dnsCache = append(m.dnsCache[:0], addrs...)
		}
	}
	if len(m.dnsCache) == 0 {
		return PeerAddress{}, false, false
	}

	i := m.rand.Intn(len(m.dnsCache))
	addr = m.dnsCache[i]
	last := len(m.dnsCache) - 1
	m.dnsCache[i] = m.dnsCache[last]
	m.dnsCache = m.dnsCache[:last]
	return addr, true, false
}

func (m *ConnManager) dial(ctx context.Context, addr PeerAddress, completions chan<- *Session) {
	session := m.engine.AddPeer(ctx, addr)
	m.pool.add(session)
	m.setSize()

	m.metrics.PeerDials.With("source", addr.Source.String()).Add(1)
	m.logger.Debug("added peer session",
		"peer", addr, "source", addr.Source, "session", session.ID(), "pool", m.pool.size())

	go func() {
		select {
		case <-session.Done():
			select {
			case completions <- session:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

// drop removes an ended session from the pool and reports its outcome to
// the local source. It returns true if the session failed.
func (m *ConnManager) drop(session *Session) bool {
	if !m.pool.remove(session) {
		return false
	}
	m.setSize()

	if err := session.Err(); err != nil {
		m.metrics.PeerFailures.Add(1)
		m.logger.Info("peer session failed",
			"peer", session.Addr(), "session", session.ID(), "err", err)
	} else {
		m.logger.Info("peer disconnected", "peer", session.Addr(), "session", session.ID())
	}

	if reporter, ok := m.local.(OutcomeReporter); ok {
		reporter.Report(session.Addr(), session.Err())
	}
	return session.Err() != nil
}

func (m *ConnManager) withholding() bool {
	w, ok := m.local.(Withholder)
	return ok && w.Withholding()
}

func (m *ConnManager) setSize() {
	size := m.pool.size()
	m.metrics.Peers.Set(float64(size))

	m.mtx.Lock()
	m.size = size
	m.mtx.Unlock()
}

// connectionPool is the ordered set of live sessions. It is only accessed by
// the manager goroutine.
type connectionPool struct {
	sessions []*Session
}

func (p *connectionPool) add(s *Session) {
	p.sessions = append(p.sessions, s)
}

func (p *connectionPool) remove(s *Session) bool {
	for i, session := range p.sessions {
		if session == s {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			return true
		}
	}
	return false
}

func (p *connectionPool) size() int {
	return len(p.sessions)
}
