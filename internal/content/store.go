package content

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	dbm "github.com/tendermint/tm-db"

	"github.com/biadnet/biadnet/internal/chaindb"
)

var (
	// ErrUnwindOrder is returned when unwinding a header that is known to the
	// store but is not its tip.
	ErrUnwindOrder = errors.New("header is not the tip of the content store")

	// ErrUnconnectedHeader is returned when a header does not extend the
	// store tip.
	ErrUnconnectedHeader = errors.New("header does not extend the content store tip")

	// ErrNotOnTrunk is returned when anchoring to a position that is not a
	// live trunk position.
	ErrNotOnTrunk = errors.New("position is not on the trunk")

	// ErrEntryExists is returned when inserting an entry whose ID is taken.
	ErrEntryExists = errors.New("entry already exists")

	// ErrEmptyStore is returned when anchoring to the tip of a store that
	// has no position yet.
	ErrEmptyStore = errors.New("content store has no position")
)

// Position is a header of the trunk that entries can be anchored to.
type Position struct {
	Hash   chainhash.Hash
	Height uint32
}

// Entry is a content entry, anchored to the position that was the trunk tip
// (or a live trunk position) when it was inserted.
type Entry struct {
	ID      string
	Anchor  Position
	Payload []byte
}

// Extractor derives the entries confirmed by a header. The store anchors the
// returned entries to the header; their Anchor field is ignored.
type Extractor interface {
	Extract(header *wire.BlockHeader, height uint32) ([]Entry, error)
}

// ExtractorFunc adapts a function to an Extractor.
type ExtractorFunc func(header *wire.BlockHeader, height uint32) ([]Entry, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(header *wire.BlockHeader, height uint32) ([]Entry, error) {
	return f(header, height)
}

// StoreOption sets an optional parameter on the Store.
type StoreOption func(*Store)

// WithExtractor sets the extractor run on every added header.
func WithExtractor(e Extractor) StoreOption {
	return func(s *Store) { s.extractor = e }
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// Store is an index of content entries anchored to trunk positions. The
// positions it holds are a contiguous run of trunk headers, extended by
// AddHeader and retracted by UnwindTip as the trunk changes, and every entry
// is anchored to one of them. Unwinding a position removes the entries
// anchored to it in the same write.
//
// Reads take a shared lock and writes an exclusive one.
type Store struct {
	db        dbm.DB
	trunk     chaindb.Trunk
	extractor Extractor
	metrics   *Metrics

	mtx       sync.RWMutex
	positions []Position // ascending, contiguous heights
	count     int
}

// NewStore opens a content store, loading its positions from db.
func NewStore(db dbm.DB, trunk chaindb.Trunk, options ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("no database provided")
	}
	s := &Store{
		db:      db,
		trunk:   trunk,
		metrics: NopMetrics(),
	}
	for _, option := range options {
		option(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.updateMetrics()
	return s, nil
}

func (s *Store) load() error {
	start, end := positionKeyRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()

	positions := []Position{}
	for ; iter.Valid(); iter.Next() {
		height, err := decodePositionKey(iter.Key())
		if err != nil {
			return err
		}
		if len(positions) > 0 && height != positions[len(positions)-1].Height+1 {
			return fmt.Errorf("content positions have a gap at height %d", positions[len(positions)-1].Height+1)
		}
		hash, err := chainhash.NewHash(iter.Value())
		if err != nil {
			return fmt.Errorf("invalid position at height %d: %w", height, err)
		}
		positions = append(positions, Position{Hash: *hash, Height: height})
	}
	if err := iter.Error(); err != nil {
		return err
	}

	count := 0
	start, end = entryKeyRange()
	entries, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer entries.Close()
	for ; entries.Valid(); entries.Next() {
		count++
	}
	if err := entries.Error(); err != nil {
		return err
	}

	s.positions = positions
	s.count = count
	return nil
}

// AddHeader makes header the new tip position. It must extend the current
// tip; an empty store takes the header's height from the trunk. Entries the
// extractor derives from the header are stored in the same write. Adding the
// current tip again is a no-op.
func (s *Store) AddHeader(header *wire.BlockHeader) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	hash := header.BlockHash()
	var height uint32
	if tip, ok := s.tipLocked(); ok {
		if tip.Hash == hash {
			return nil
		}
		if header.PrevBlock != tip.Hash {
			return fmt.Errorf("%w: %v does not follow tip %v at height %d",
				ErrUnconnectedHeader, hash, tip.Hash, tip.Height)
		}
		height = tip.Height + 1
	} else {
		h, ok := s.trunk.Height(hash)
		if !ok {
			return fmt.Errorf("%w: %v", ErrNotOnTrunk, hash)
		}
		height = h
	}
	pos := Position{Hash: hash, Height: height}

	var entries []Entry
	if s.extractor != nil {
		var err error
		if entries, err = s.extractor.Extract(header, height); err != nil {
			return fmt.Errorf("extracting entries of %v: %w", hash, err)
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(positionKey(height), hash[:]); err != nil {
		return err
	}
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			return fmt.Errorf("extracted entry of %v has no ID", hash)
		}
		exists, err := s.db.Has(entryKey(entry.ID))
		if err != nil {
			return err
		}
		if seen[entry.ID] || exists {
			return fmt.Errorf("%w: %q", ErrEntryExists, entry.ID)
		}
		seen[entry.ID] = true
		entry.Anchor = pos
		if err := s.setEntry(batch, entry); err != nil {
			return err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}

	s.positions = append(s.positions, pos)
	s.count += len(entries)
	s.updateMetrics()
	return nil
}

// UnwindTip removes the tip position and every entry anchored to it, making
// the previous position the tip. Unwinding a header the store does not hold
// is a no-op, so a repeated unwind is harmless; unwinding a held header that
// is not the tip fails with ErrUnwindOrder.
func (s *Store) UnwindTip(header *wire.BlockHeader) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	hash := header.BlockHash()
	idx := s.indexOf(hash)
	if idx < 0 {
		return nil
	}
	if idx != len(s.positions)-1 {
		return fmt.Errorf("%w: %v at height %d, tip is at height %d",
			ErrUnwindOrder, hash, s.positions[idx].Height, s.positions[len(s.positions)-1].Height)
	}
	pos := s.positions[idx]

	ids, err := s.anchoredAt(pos.Height)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, id := range ids {
		if err := batch.Delete(entryKey(id)); err != nil {
			return err
		}
		if err := batch.Delete(anchorKey(pos.Height, id)); err != nil {
			return err
		}
	}
	if err := batch.Delete(positionKey(pos.Height)); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}

	s.positions = s.positions[:idx]
	s.count -= len(ids)
	s.metrics.Unwinds.Add(1)
	s.updateMetrics()
	return nil
}

// Insert stores an entry anchored to the current tip.
func (s *Store) Insert(id string, payload []byte) (Entry, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	tip, ok := s.tipLocked()
	if !ok {
		return Entry{}, ErrEmptyStore
	}
	return s.insertLocked(Entry{ID: id, Anchor: tip, Payload: payload})
}

// InsertAt stores an entry anchored to a position the store holds, which must
// still be on the trunk.
func (s *Store) InsertAt(id string, payload []byte, anchor Position) (Entry, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if idx := s.indexOf(anchor.Hash); idx < 0 || s.positions[idx].Height != anchor.Height {
		return Entry{}, fmt.Errorf("%w: %v at height %d is not held by the store",
			ErrNotOnTrunk, anchor.Hash, anchor.Height)
	}
	if !s.trunk.IsOnTrunk(anchor.Hash) {
		return Entry{}, fmt.Errorf("%w: %v", ErrNotOnTrunk, anchor.Hash)
	}
	return s.insertLocked(Entry{ID: id, Anchor: anchor, Payload: payload})
}

func (s *Store) insertLocked(entry Entry) (Entry, error) {
	if entry.ID == "" {
		return Entry{}, errors.New("entry ID can't be empty")
	}
	exists, err := s.db.Has(entryKey(entry.ID))
	if err != nil {
		return Entry{}, err
	}
	if exists {
		return Entry{}, fmt.Errorf("%w: %q", ErrEntryExists, entry.ID)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.setEntry(batch, entry); err != nil {
		return Entry{}, err
	}
	if err := batch.WriteSync(); err != nil {
		return Entry{}, err
	}

	s.count++
	s.updateMetrics()
	return entry, nil
}

// Remove deletes an entry. It reports whether the entry existed.
func (s *Store) Remove(id string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	entry, ok, err := s.getLocked(id)
	if err != nil || !ok {
		return false, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(entryKey(id)); err != nil {
		return false, err
	}
	if err := batch.Delete(anchorKey(entry.Anchor.Height, id)); err != nil {
		return false, err
	}
	if err := batch.WriteSync(); err != nil {
		return false, err
	}

	s.count--
	s.updateMetrics()
	return true, nil
}

// Get returns an entry by ID.
func (s *Store) Get(id string) (Entry, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	entry, ok, err := s.getLocked(id)
	if err != nil {
		panic(err)
	}
	return entry, ok
}

// Entries returns all entries, ordered by anchor height and then ID.
func (s *Store) Entries() []Entry {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	entries := make([]Entry, 0, s.count)
	start, end := anchorKeyRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		panic(err)
	}
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		_, id, err := decodeAnchorKey(iter.Key())
		if err != nil {
			panic(err)
		}
		entry, ok, err := s.getLocked(id)
		if err != nil {
			panic(err)
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return entries
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.count
}

// Tip returns the most recent position.
func (s *Store) Tip() (Position, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.tipLocked()
}

// Positions returns all positions held, in ascending height.
func (s *Store) Positions() []Position {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return append([]Position{}, s.positions...)
}

func (s *Store) tipLocked() (Position, bool) {
	if len(s.positions) == 0 {
		return Position{}, false
	}
	return s.positions[len(s.positions)-1], true
}

// indexOf returns the index of the position with hash, or -1.
func (s *Store) indexOf(hash chainhash.Hash) int {
	for i := len(s.positions) - 1; i >= 0; i-- {
		if s.positions[i].Hash == hash {
			return i
		}
	}
	return -1
}

func (s *Store) anchoredAt(height uint32) ([]string, error) {
	start, end := anchorKeyHeightRange(height)
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for ; iter.Valid(); iter.Next() {
		_, id, err := decodeAnchorKey(iter.Key())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, iter.Error()
}

func (s *Store) getLocked(id string) (Entry, bool, error) {
	bz, err := s.db.Get(entryKey(id))
	if err != nil {
		return Entry{}, false, err
	}
	if len(bz) == 0 {
		return Entry{}, false, nil
	}
	entry, err := decodeEntry(id, bz)
	if err != nil {
		return Entry{}, false, fmt.Errorf("invalid entry %q: %w", id, err)
	}
	return entry, true, nil
}

func (s *Store) setEntry(batch dbm.Batch, entry Entry) error {
	value, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := batch.Set(entryKey(entry.ID), value); err != nil {
		return err
	}
	return batch.Set(anchorKey(entry.Anchor.Height, entry.ID), []byte{})
}

func (s *Store) updateMetrics() {
	s.metrics.Entries.Set(float64(s.count))
	if tip, ok := s.tipLocked(); ok {
		s.metrics.Height.Set(float64(tip.Height))
	}
}
