package p2p

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/orderedcode"
	"github.com/mroth/weightedrand"
	dbm "github.com/tendermint/tm-db"
)

// AddrBookOptions specifies options for an AddrBook.
type AddrBookOptions struct {
	// MaxAddresses is the maximum number of addresses kept. When full, the
	// worst address not currently handed out is evicted to make room. 0
	// means no limit.
	MaxAddresses int

	// FailedPeerCooldown withholds an address from Next for this long after
	// a session to it failed. 0 disables the cooldown.
	FailedPeerCooldown time.Duration

	// now is the clock, defaulting to time.Now. Used by tests.
	now func() time.Time
}

// Validate validates the options.
func (o *AddrBookOptions) Validate() error {
	if o.MaxAddresses < 0 {
		return errors.New("max addresses can't be negative")
	}
	if o.FailedPeerCooldown < 0 {
		return errors.New("failed peer cooldown can't be negative")
	}
	return nil
}

// AddrBook is the local peer address source. It persists every known address
// to a database along with dial statistics, and hands out candidates weighted
// by how well they have behaved so far. An address handed out by Next is in
// use, and is not handed out again until its outcome is reported.
//
// The entire book is kept in memory and loaded from the database on
// initialization. It is safe for concurrent use.
type AddrBook struct {
	options AddrBookOptions
	db      dbm.DB
	updated chan struct{} // holds at most one pending update

	mtx   sync.Mutex
	addrs map[string]*addrInfo
	inUse map[string]bool
}

var (
	_ AddressSource   = (*AddrBook)(nil)
	_ OutcomeReporter = (*AddrBook)(nil)
	_ UpdateNotifier  = (*AddrBook)(nil)
	_ Withholder      = (*AddrBook)(nil)
)

// NewAddrBook creates a new address book, loading all persisted addresses
// from the database into memory.
func NewAddrBook(db dbm.DB, options AddrBookOptions) (*AddrBook, error) {
	if db == nil {
		return nil, errors.New("no database provided")
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if options.now == nil {
		options.now = time.Now
	}
	b := &AddrBook{
		options: options,
		db:      db,
		updated: make(chan struct{}, 1),
		inUse:   map[string]bool{},
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

// load loads all addresses from the database into memory.
func (b *AddrBook) load() error {
	addrs := map[string]*addrInfo{}

	start, end := keyAddrInfoRange()
	iter, err := b.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		info, err := decodeAddrInfo(iter.Key(), iter.Value())
		if err != nil {
			return fmt.Errorf("invalid address book entry: %w", err)
		}
		addrs[info.Address.String()] = info
	}
	if iter.Error() != nil {
		return iter.Error()
	}
	b.addrs = addrs
	return nil
}

// Add stores addresses learned from gossip, configuration or seeding.
// Invalid and already known addresses are ignored. It returns the number of
// addresses added, and wakes up anyone waiting on Updated if that is not 0.
func (b *AddrBook) Add(addrs ...PeerAddress) (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	added := 0
	for _, addr := range addrs {
		if addr.Validate() != nil {
			continue
		}
		key := addr.String()
		if _, ok := b.addrs[key]; ok {
			continue
		}
		if b.options.MaxAddresses > 0 && len(b.addrs) >= b.options.MaxAddresses {
			if !b.evictWorst() {
				break
			}
		}
		info := &addrInfo{Address: NewPeerAddress(addr.IP, addr.Port, addr.Source)}
		if err := b.set(info); err != nil {
			return added, err
		}
		added++
	}

	if added > 0 {
		select {
		case b.updated <- struct{}{}:
		default:
		}
	}
	return added, nil
}

// Next implements AddressSource. It picks an address at random among the
// ones not in use and not cooling down, weighted by score.
func (b *AddrBook) Next() (PeerAddress, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	now := b.options.now()
	choices := make([]weightedrand.Choice, 0, len(b.addrs))
	for key, info := range b.addrs {
		if b.inUse[key] || b.coolingDown(info, now) {
			continue
		}
		choices = append(choices, weightedrand.NewChoice(info, info.Weight()))
	}
	if len(choices) == 0 {
		return PeerAddress{}, false
	}

	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		// weights are always positive and small, so this can't happen
		panic(err)
	}
	info := chooser.Pick().(*addrInfo)
	b.inUse[info.Address.String()] = true

	addr := info.Address
	addr.Source = SourceLocal
	return addr, true
}

// Report implements OutcomeReporter. It records the outcome, and releases the
// address if the session was one that Next handed out. Addresses that served
// a session that ended normally are added to the book if they were not known
// yet.
func (b *AddrBook) Report(addr PeerAddress, err error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	key := addr.String()
	// a session from another source may share the endpoint of one the book
	// handed out, and must not release it
	if addr.Source == SourceLocal {
		delete(b.inUse, key)
	}

	info, ok := b.addrs[key]
	switch {
	case !ok && err != nil:
		return
	case !ok:
		if b.options.MaxAddresses > 0 && len(b.addrs) >= b.options.MaxAddresses && !b.evictWorst() {
			return
		}
		info = &addrInfo{Address: NewPeerAddress(addr.IP, addr.Port, addr.Source)}
	}

	updated := *info
	now := b.options.now()
	if err == nil {
		updated.LastSuccess = now
		updated.Failures = 0
	} else {
		updated.LastFailure = now
		updated.Failures++
	}
	// the book is only a cache of good candidates, so a failed write is not
	// worth surfacing to the connection manager
	_ = b.set(&updated)
}

// Updated implements UpdateNotifier.
func (b *AddrBook) Updated() <-chan struct{} {
	return b.updated
}

// Withholding implements Withholder. It reports whether some addresses are
// currently cooling down after a failure.
func (b *AddrBook) Withholding() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	now := b.options.now()
	for key, info := range b.addrs {
		if !b.inUse[key] && b.coolingDown(info, now) {
			return true
		}
	}
	return false
}

// Size returns the number of addresses in the book.
func (b *AddrBook) Size() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.addrs)
}

// Addresses returns all known addresses, best first.
func (b *AddrBook) Addresses() []PeerAddress {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	ranked := b.ranked()
	addrs := make([]PeerAddress, 0, len(ranked))
	for _, info := range ranked {
		addrs = append(addrs, info.Address)
	}
	return addrs
}

func (b *AddrBook) coolingDown(info *addrInfo, now time.Time) bool {
	if b.options.FailedPeerCooldown == 0 || info.Failures == 0 {
		return false
	}
	return now.Sub(info.LastFailure) < b.options.FailedPeerCooldown
}

// ranked returns the addresses ordered by weight (better first), older
// successes before newer ones on ties.
func (b *AddrBook) ranked() []*addrInfo {
	ranked := make([]*addrInfo, 0, len(b.addrs))
	for _, info := range b.addrs {
		ranked = append(ranked, info)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if wi, wj := ranked[i].Weight(), ranked[j].Weight(); wi != wj {
			return wi > wj
		}
		return ranked[i].Address.String() < ranked[j].Address.String()
	})
	return ranked
}

// evictWorst deletes the lowest-ranked address that is not in use. It
// returns false if every address is in use.
func (b *AddrBook) evictWorst() bool {
	ranked := b.ranked()
	for i := len(ranked) - 1; i >= 0; i-- {
		key := ranked[i].Address.String()
		if b.inUse[key] {
			continue
		}
		if err := b.db.Delete(keyAddrInfo(ranked[i].Address)); err != nil {
			return false
		}
		delete(b.addrs, key)
		return true
	}
	return false
}

func (b *AddrBook) set(info *addrInfo) error {
	if err := info.Address.Validate(); err != nil {
		return err
	}
	if err := b.db.Set(keyAddrInfo(info.Address), info.encode()); err != nil {
		return err
	}
	b.addrs[info.Address.String()] = info
	return nil
}

// addrInfo contains information and statistics about a peer address.
type addrInfo struct {
	Address     PeerAddress
	LastSuccess time.Time
	LastFailure time.Time
	Failures    uint32 // since last session that ended normally
}

// Weight is the relative chance of the address being picked by Next. Every
// address keeps a chance, halved by each consecutive failure.
func (a *addrInfo) Weight() uint {
	weight := uint(64)
	if !a.LastSuccess.IsZero() {
		weight *= 2
	}
	failures := a.Failures
	if failures > 6 {
		failures = 6
	}
	return weight >> failures
}

func (a *addrInfo) encode() []byte {
	bz, err := orderedcode.Append(nil,
		uint64(a.Address.Source),
		encodeTime(a.LastSuccess),
		encodeTime(a.LastFailure),
		uint64(a.Failures),
	)
	if err != nil {
		panic(err)
	}
	return bz
}

func decodeAddrInfo(key, value []byte) (*addrInfo, error) {
	var (
		prefix           int64
		ip               string
		port, source, n  uint64
		success, failure int64
	)
	if _, err := orderedcode.Parse(string(key), &prefix, &ip, &port); err != nil {
		return nil, err
	}
	if _, err := orderedcode.Parse(string(value), &source, &success, &failure, &n); err != nil {
		return nil, err
	}
	info := &addrInfo{
		Address:     NewPeerAddress(net.IP(ip), uint16(port), Source(source)),
		LastSuccess: decodeTime(success),
		LastFailure: decodeTime(failure),
		Failures:    uint32(n),
	}
	return info, info.Address.Validate()
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Database key prefixes.
const (
	prefixAddrInfo int64 = 1
)

// keyAddrInfo generates an addrInfo database key.
func keyAddrInfo(addr PeerAddress) []byte {
	key, err := orderedcode.Append(nil, prefixAddrInfo, string(addr.IP.To16()), uint64(addr.Port))
	if err != nil {
		panic(err)
	}
	return key
}

// keyAddrInfoRange generates start/end keys for the entire addrInfo key range.
func keyAddrInfoRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixAddrInfo, "")
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixAddrInfo, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}
