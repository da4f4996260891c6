package p2p

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/sync/errgroup"

	"github.com/biadnet/biadnet/libs/log"
)

// LookupFunc resolves a host name to its IP addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// DNSSeeder is a Seeder that queries every DNS seed of a network
// concurrently. A seed that fails to resolve is logged and skipped.
type DNSSeeder struct {
	logger  log.Logger
	seeds   []chaincfg.DNSSeed
	port    uint16
	timeout time.Duration
	lookup  LookupFunc
}

var _ Seeder = (*DNSSeeder)(nil)

// NewDNSSeeder creates a seeder for the DNS seeds of params. lookup may be
// nil, in which case the system resolver is used. A zero timeout means each
// round only ends with its context.
func NewDNSSeeder(logger log.Logger, params *chaincfg.Params, timeout time.Duration, lookup LookupFunc) (*DNSSeeder, error) {
	port, err := strconv.ParseUint(params.DefaultPort, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid default port %q for %s: %w", params.DefaultPort, params.Name, err)
	}
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		}
	}
	return &DNSSeeder{
		logger:  logger,
		seeds:   params.DNSSeeds,
		port:    uint16(port),
		timeout: timeout,
		lookup:  lookup,
	}, nil
}

// Seed implements Seeder. Addresses are deduplicated across seeds.
func (s *DNSSeeder) Seed(ctx context.Context) ([]PeerAddress, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var (
		mtx   sync.Mutex
		seen  = map[string]bool{}
		addrs []PeerAddress
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, seed := range s.seeds {
		host := seed.Host
		g.Go(func() error {
			ips, err := s.lookup(gctx, host)
			if err != nil {
				s.logger.Debug("DNS seed lookup failed", "seed", host, "err", err)
				return nil
			}
			s.logger.Debug("DNS seed lookup succeeded", "seed", host, "addresses", len(ips))

			mtx.Lock()
			defer mtx.Unlock()
			for _, ip := range ips {
				addr := NewPeerAddress(ip, s.port, SourceDNS)
				if addr.Validate() != nil || seen[addr.String()] {
					continue
				}
				seen[addr.String()] = true
				addrs = append(addrs, addr)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(addrs) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return addrs, nil
}
