package p2p

import (
	"context"
)

// AddressSource hands out candidate addresses for outbound sessions. Next
// returns false when the source has nothing to offer right now.
type AddressSource interface {
	Next() (PeerAddress, bool)
}

// Seeder resolves a batch of candidate addresses from a bootstrap directory,
// typically the DNS seeds of the network. An empty result is not an error.
type Seeder interface {
	Seed(ctx context.Context) ([]PeerAddress, error)
}

// Engine opens peer sessions. AddPeer must not block: dialing and the
// lifetime of the connection are reported through the returned Session.
type Engine interface {
	AddPeer(ctx context.Context, addr PeerAddress) *Session
}

// OutcomeReporter is implemented by address sources that want to learn how
// sessions to their addresses ended.
type OutcomeReporter interface {
	Report(addr PeerAddress, err error)
}

// UpdateNotifier is implemented by address sources that can signal that new
// candidates became available.
type UpdateNotifier interface {
	Updated() <-chan struct{}
}

// Withholder is implemented by address sources that can temporarily withhold
// addresses. A source that withholds addresses is not exhausted even when
// Next returns false.
type Withholder interface {
	Withholding() bool
}

// emptySource never yields an address.
type emptySource struct{}

func (emptySource) Next() (PeerAddress, bool) { return PeerAddress{}, false }

// StaticSeeder returns a fixed set of addresses on every query.
type StaticSeeder []PeerAddress

// Seed implements Seeder.
func (s StaticSeeder) Seed(context.Context) ([]PeerAddress, error) {
	addrs := make([]PeerAddress, len(s))
	copy(addrs, s)
	return addrs, nil
}
