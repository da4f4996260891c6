package chaindb

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"
)

var (
	// ErrUnconnectedHeader is returned when a header's parent is unknown.
	ErrUnconnectedHeader = errors.New("header does not connect to a known header")

	// ErrNetworkMismatch is returned when opening a database initialised
	// for another network.
	ErrNetworkMismatch = errors.New("header database belongs to another network")
)

// StoredHeader is a header along with its position and the cumulative work of
// the chain ending in it.
type StoredHeader struct {
	Header wire.BlockHeader
	Height uint32
	Work   *big.Int
}

// Hash returns the block hash of the header.
func (h *StoredHeader) Hash() chainhash.Hash {
	return h.Header.BlockHash()
}

// ChainDB stores block headers and tracks the trunk, the chain with the most
// cumulative work. It is safe for concurrent use: readers share a read lock,
// AddHeader takes the write lock.
//
// Proof of work is not validated; the work of a header is derived from its
// difficulty bits alone.
type ChainDB struct {
	db      dbm.DB
	params  *chaincfg.Params
	metrics *Metrics

	mtx   sync.RWMutex
	trunk []chainhash.Hash // trunk[height] is the hash of the trunk header at height
}

// NewChainDB opens a header database for the given network. An empty database
// is initialised with the genesis header of the network.
func NewChainDB(db dbm.DB, params *chaincfg.Params, metrics *Metrics) (*ChainDB, error) {
	if db == nil {
		return nil, errors.New("no database provided")
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	c := &ChainDB{db: db, params: params, metrics: metrics}
	if err := c.loadTrunk(); err != nil {
		return nil, err
	}

	if len(c.trunk) == 0 {
		if err := c.initGenesis(); err != nil {
			return nil, err
		}
	} else if c.trunk[0] != *params.GenesisHash {
		return nil, fmt.Errorf("%w: genesis %v, expected %v (%s)",
			ErrNetworkMismatch, c.trunk[0], params.GenesisHash, params.Name)
	}

	c.metrics.Height.Set(float64(len(c.trunk) - 1))
	return c, nil
}

func (c *ChainDB) loadTrunk() error {
	start, end := trunkKeyRange()
	iter, err := c.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()

	trunk := []chainhash.Hash{}
	for ; iter.Valid(); iter.Next() {
		height, err := decodeTrunkKey(iter.Key())
		if err != nil {
			return err
		}
		if height != uint32(len(trunk)) {
			return fmt.Errorf("trunk index has a gap at height %d", len(trunk))
		}
		hash, err := chainhash.NewHash(iter.Value())
		if err != nil {
			return fmt.Errorf("invalid trunk entry at height %d: %w", height, err)
		}
		trunk = append(trunk, *hash)
	}
	if err := iter.Error(); err != nil {
		return err
	}
	c.trunk = trunk
	return nil
}

func (c *ChainDB) initGenesis() error {
	genesis := &StoredHeader{
		Header: c.params.GenesisBlock.Header,
		Height: 0,
		Work:   blockchain.CalcWork(c.params.GenesisBlock.Header.Bits),
	}
	hash := genesis.Hash()

	batch := c.db.NewBatch()
	defer batch.Close()

	value, err := genesis.encode()
	if err != nil {
		return err
	}
	if err := batch.Set(headerKey(hash), value); err != nil {
		return err
	}
	if err := batch.Set(trunkKey(0), hash[:]); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}
	c.trunk = []chainhash.Hash{hash}
	return nil
}

// AddHeader stores a header whose parent is known. If the header extends a
// chain with more work than the trunk, that chain becomes the trunk and
// AddHeader returns the headers that joined it (in ascending height) and the
// ones that left it (most recent first). Headers already known are ignored.
func (c *ChainDB) AddHeader(header *wire.BlockHeader) (connected, disconnected []*StoredHeader, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	hash := header.BlockHash()
	if _, ok, err := c.loadHeader(hash); err != nil || ok {
		return nil, nil, err
	}
	prev, ok, err := c.loadHeader(header.PrevBlock)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %v (parent %v)", ErrUnconnectedHeader, hash, header.PrevBlock)
	}

	stored := &StoredHeader{
		Header: *header,
		Height: prev.Height + 1,
		Work:   new(big.Int).Add(prev.Work, blockchain.CalcWork(header.Bits)),
	}
	value, err := stored.encode()
	if err != nil {
		return nil, nil, err
	}

	batch := c.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(headerKey(hash), value); err != nil {
		return nil, nil, err
	}

	tip, err := c.tipLocked()
	if err != nil {
		return nil, nil, err
	}
	if stored.Work.Cmp(tip.Work) <= 0 {
		// side chain, the trunk does not change
		if err := batch.WriteSync(); err != nil {
			return nil, nil, err
		}
		c.metrics.Headers.Add(1)
		return nil, nil, nil
	}

	// walk back from the new header until the fork point on the trunk
	connected = []*StoredHeader{stored}
	cursor := stored
	for !c.onTrunk(cursor.Header.PrevBlock, cursor.Height-1) {
		parent, ok, err := c.loadHeader(cursor.Header.PrevBlock)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("missing ancestor %v of %v", cursor.Header.PrevBlock, hash)
		}
		connected = append(connected, parent)
		cursor = parent
	}
	for i, j := 0, len(connected)-1; i < j; i, j = i+1, j-1 {
		connected[i], connected[j] = connected[j], connected[i]
	}
	fork := cursor.Height - 1

	for height := tip.Height; height > fork; height-- {
		old, ok, err := c.loadHeader(c.trunk[height])
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("missing trunk header %v at height %d", c.trunk[height], height)
		}
		disconnected = append(disconnected, old)
		if height > stored.Height {
			if err := batch.Delete(trunkKey(height)); err != nil {
				return nil, nil, err
			}
		}
	}
	for _, h := range connected {
		hash := h.Hash()
		if err := batch.Set(trunkKey(h.Height), hash[:]); err != nil {
			return nil, nil, err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return nil, nil, err
	}

	trunk := c.trunk[:fork+1]
	for _, h := range connected {
		trunk = append(trunk, h.Hash())
	}
	c.trunk = trunk

	c.metrics.Headers.Add(1)
	c.metrics.Height.Set(float64(stored.Height))
	if len(disconnected) > 0 {
		c.metrics.Reorgs.Add(1)
	}
	return connected, disconnected, nil
}

// Tip returns the last header of the trunk.
func (c *ChainDB) Tip() *StoredHeader {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	tip, err := c.tipLocked()
	if err != nil {
		panic(err)
	}
	return tip
}

// Height returns the height of the trunk tip.
func (c *ChainDB) Height() uint32 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return uint32(len(c.trunk) - 1)
}

// Header returns a stored header, on the trunk or not.
func (c *ChainDB) Header(hash chainhash.Hash) (*StoredHeader, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	header, ok, err := c.loadHeader(hash)
	if err != nil {
		panic(err)
	}
	return header, ok
}

// HeaderAt returns the trunk header at height.
func (c *ChainDB) HeaderAt(height uint32) (*StoredHeader, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if int(height) >= len(c.trunk) {
		return nil, false
	}
	header, ok, err := c.loadHeader(c.trunk[height])
	if err != nil {
		panic(err)
	}
	return header, ok
}

// PosOnTrunk returns the height of a header if it is on the trunk.
func (c *ChainDB) PosOnTrunk(hash chainhash.Hash) (uint32, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	header, ok, err := c.loadHeader(hash)
	if err != nil {
		panic(err)
	}
	if !ok || !c.onTrunk(hash, header.Height) {
		return 0, false
	}
	return header.Height, true
}

// Locator returns a block locator for the trunk: the ten most recent hashes,
// then exponentially sparser ones, ending with the genesis hash.
func (c *ChainDB) Locator() blockchain.BlockLocator {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	locator := blockchain.BlockLocator{}
	step := uint32(1)
	height := uint32(len(c.trunk) - 1)
	for {
		hash := c.trunk[height]
		locator = append(locator, &hash)
		if height == 0 {
			break
		}
		if len(locator) >= 10 {
			step *= 2
		}
		if height < step {
			height = 0
		} else {
			height -= step
		}
	}
	return locator
}

// Params returns the network parameters the database was opened with.
func (c *ChainDB) Params() *chaincfg.Params {
	return c.params
}

func (c *ChainDB) onTrunk(hash chainhash.Hash, height uint32) bool {
	return int(height) < len(c.trunk) && c.trunk[height] == hash
}

func (c *ChainDB) tipLocked() (*StoredHeader, error) {
	hash := c.trunk[len(c.trunk)-1]
	tip, ok, err := c.loadHeader(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("missing trunk tip %v", hash)
	}
	return tip, nil
}

func (c *ChainDB) loadHeader(hash chainhash.Hash) (*StoredHeader, bool, error) {
	bz, err := c.db.Get(headerKey(hash))
	if err != nil {
		return nil, false, err
	}
	if len(bz) == 0 {
		return nil, false, nil
	}
	header, err := decodeStoredHeader(bz)
	if err != nil {
		return nil, false, fmt.Errorf("invalid stored header %v: %w", hash, err)
	}
	return header, true, nil
}

func (h *StoredHeader) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := h.Header.Serialize(&buf); err != nil {
		return nil, err
	}
	return orderedcode.Append(nil, buf.String(), uint64(h.Height), string(h.Work.Bytes()))
}

func decodeStoredHeader(bz []byte) (*StoredHeader, error) {
	var (
		raw, work string
		height    uint64
	)
	if _, err := orderedcode.Parse(string(bz), &raw, &height, &work); err != nil {
		return nil, err
	}
	h := &StoredHeader{
		Height: uint32(height),
		Work:   new(big.Int).SetBytes([]byte(work)),
	}
	if err := h.Header.Deserialize(bytes.NewReader([]byte(raw))); err != nil {
		return nil, err
	}
	return h, nil
}
