package chainsync_test

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/biadnet/biadnet/internal/chaindb"
	"github.com/biadnet/biadnet/internal/chaindb/chaintest"
	"github.com/biadnet/biadnet/internal/chainsync"
	"github.com/biadnet/biadnet/internal/content"
	"github.com/biadnet/biadnet/libs/log"
)

type failingStore struct {
	calls int
	err   error
}

func (s *failingStore) AddHeader(*wire.BlockHeader) error {
	s.calls++
	return s.err
}

func (s *failingStore) UnwindTip(*wire.BlockHeader) error {
	s.calls++
	return s.err
}

func (s *failingStore) Positions() []content.Position { return nil }

func setup(t *testing.T, n int) (*chaindb.ChainDB, []*wire.BlockHeader, *content.Store) {
	t.Helper()
	chain, err := chaindb.NewChainDB(dbm.NewMemDB(), chaintest.Params, nil)
	require.NoError(t, err)
	headers := append([]*wire.BlockHeader{chaintest.Genesis()}, chaintest.MakeChain(chaintest.Genesis(), n, 1)...)
	for _, h := range headers[1:] {
		_, _, err := chain.AddHeader(h)
		require.NoError(t, err)
	}
	store, err := content.NewStore(dbm.NewMemDB(), chaindb.NewTrunk(chain))
	require.NoError(t, err)
	return chain, headers, store
}

func positionHashes(store *content.Store) []chainhash.Hash {
	var hashes []chainhash.Hash
	for _, p := range store.Positions() {
		hashes = append(hashes, p.Hash)
	}
	return hashes
}

func TestDriverRoutesNotifications(t *testing.T) {
	_, headers, store := setup(t, 2)
	driver := chainsync.NewDriver(log.TestingLogger(), store)

	for i, h := range headers {
		require.NoError(t, driver.HeaderConnected(h, uint32(i)))
	}
	require.NoError(t, driver.BlockConnected(wire.NewMsgBlock(headers[2]), 2))
	require.Len(t, store.Positions(), 3)

	require.NoError(t, driver.BlockDisconnected(headers[2]))
	tip, ok := store.Tip()
	require.True(t, ok)
	require.Equal(t, headers[1].BlockHash(), tip.Hash)

	require.NoError(t, driver.Err())
	select {
	case <-driver.Failed():
		t.Fatal("driver should not have failed")
	default:
	}
}

func TestDriverLatchesFirstFailure(t *testing.T) {
	cause := errors.New("write failed")
	store := &failingStore{err: cause}
	driver := chainsync.NewDriver(log.TestingLogger(), store)
	header := chaintest.Genesis()

	err := driver.HeaderConnected(header, 0)
	require.ErrorIs(t, err, cause)
	require.False(t, errors.Is(err, chainsync.ErrHalted))
	require.ErrorIs(t, driver.Err(), cause)

	select {
	case <-driver.Failed():
	default:
		t.Fatal("failed channel should be closed")
	}

	for _, err := range []error{
		driver.HeaderConnected(header, 0),
		driver.BlockDisconnected(header),
		driver.BlockConnected(wire.NewMsgBlock(header), 0),
	} {
		require.ErrorIs(t, err, chainsync.ErrHalted)
		require.ErrorIs(t, err, cause)
	}
	require.Equal(t, 1, store.calls)
}

func TestDriverHaltsOnUnwindOrder(t *testing.T) {
	_, headers, store := setup(t, 2)
	driver := chainsync.NewDriver(log.TestingLogger(), store)
	for i, h := range headers {
		require.NoError(t, driver.HeaderConnected(h, uint32(i)))
	}

	err := driver.BlockDisconnected(headers[1])
	require.ErrorIs(t, err, content.ErrUnwindOrder)
	require.ErrorIs(t, driver.BlockDisconnected(headers[2]), chainsync.ErrHalted)
	require.Len(t, store.Positions(), 3)
}

func TestResyncAnchorsEmptyStoreAtTip(t *testing.T) {
	chain, headers, store := setup(t, 4)
	driver := chainsync.NewDriver(log.TestingLogger(), store)

	require.NoError(t, driver.Resync(chaindb.NewTrunk(chain)))
	require.Equal(t, []content.Position{{Hash: headers[4].BlockHash(), Height: 4}}, store.Positions())
}

// tipSnapshotTrunk fails the test when the tip is read apart from its height.
type tipSnapshotTrunk struct {
	chaindb.Trunk
	t *testing.T
}

func (tr tipSnapshotTrunk) Tip() (*wire.BlockHeader, bool) {
	tr.t.Error("tip read without its height")
	return tr.Trunk.Tip()
}

func (tr tipSnapshotTrunk) Len() uint32 {
	tr.t.Error("height read apart from the tip")
	return tr.Trunk.Len()
}

func TestResyncAnchorsAtSingleTipRead(t *testing.T) {
	chain, headers, store := setup(t, 3)
	driver := chainsync.NewDriver(log.TestingLogger(), store)

	require.NoError(t, driver.Resync(tipSnapshotTrunk{Trunk: chaindb.NewTrunk(chain), t: t}))
	require.Equal(t, []content.Position{{Hash: headers[3].BlockHash(), Height: 3}}, store.Positions())
}

func TestResyncReplaysMissingHeaders(t *testing.T) {
	chain, headers, store := setup(t, 5)
	driver := chainsync.NewDriver(log.TestingLogger(), store)
	for i, h := range headers[:3] {
		require.NoError(t, driver.HeaderConnected(h, uint32(i)))
	}

	require.NoError(t, driver.Resync(chaindb.NewTrunk(chain)))
	require.Equal(t, chaintest.Hashes(headers), positionHashes(store))

	// a second resync has nothing to do
	require.NoError(t, driver.Resync(chaindb.NewTrunk(chain)))
	require.Len(t, store.Positions(), 6)
}

func TestResyncUnwindsStalePositions(t *testing.T) {
	chain, headers, store := setup(t, 3)
	driver := chainsync.NewDriver(log.TestingLogger(), store)
	for i, h := range headers {
		require.NoError(t, driver.HeaderConnected(h, uint32(i)))
		_, err := store.Insert(h.BlockHash().String(), nil)
		require.NoError(t, err)
	}

	// the trunk switches to a heavier branch while the store is not listening
	side := chaintest.MakeChain(headers[1], 4, 2)
	for _, h := range side {
		_, _, err := chain.AddHeader(h)
		require.NoError(t, err)
	}

	require.NoError(t, driver.Resync(chaindb.NewTrunk(chain)))
	want := append(chaintest.Hashes(headers[:2]), chaintest.Hashes(side)...)
	require.Equal(t, want, positionHashes(store))

	require.Equal(t, 2, store.Len())
	for _, h := range headers[2:] {
		_, ok := store.Get(h.BlockHash().String())
		require.False(t, ok)
	}
}

func TestResyncFailsOnUnknownPosition(t *testing.T) {
	other, headers, store := setup(t, 2)
	driver := chainsync.NewDriver(log.TestingLogger(), store)
	for i, h := range headers {
		require.NoError(t, driver.HeaderConnected(h, uint32(i)))
	}
	require.EqualValues(t, 2, other.Height())

	fresh, err := chaindb.NewChainDB(dbm.NewMemDB(), chaintest.Params, nil)
	require.NoError(t, err)

	err = driver.Resync(chaindb.NewTrunk(fresh))
	require.Error(t, err)
	require.Error(t, driver.Err())
	require.ErrorIs(t, driver.Resync(chaindb.NewTrunk(fresh)), chainsync.ErrHalted)
}
