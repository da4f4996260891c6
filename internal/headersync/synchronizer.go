package headersync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"

	"github.com/biadnet/biadnet/internal/chaindb"
	"github.com/biadnet/biadnet/libs/log"
)

// Downstream consumes trunk movements.
type Downstream interface {
	// BlockConnected is called for a full block whose header is on the trunk.
	BlockConnected(block *wire.MsgBlock, height uint32) error
	// HeaderConnected is called for every header that joins the trunk.
	HeaderConnected(header *wire.BlockHeader, height uint32) error
	// BlockDisconnected is called for every header that leaves the trunk.
	BlockDisconnected(header *wire.BlockHeader) error
}

// Synchronizer applies headers to a ChainDB and notifies a Downstream.
type Synchronizer struct {
	logger     log.Logger
	chain      *chaindb.ChainDB
	downstream Downstream

	mtx    sync.Mutex
	failed error
}

// NewSynchronizer returns a Synchronizer writing to chain.
func NewSynchronizer(logger log.Logger, chain *chaindb.ChainDB, downstream Downstream) *Synchronizer {
	return &Synchronizer{
		logger:     logger,
		chain:      chain,
		downstream: downstream,
	}
}

// ProcessHeaders applies headers in order. It stops at the first header that
// does not connect to a known header, or when the Downstream fails. After a
// Downstream failure no further headers are applied and every call returns
// that failure.
func (s *Synchronizer) ProcessHeaders(headers []*wire.BlockHeader) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.failed != nil {
		return s.failed
	}
	for _, header := range headers {
		if err := s.applyLocked(header); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBlock applies the header of block and, if the block ends up on the
// trunk, passes it to the Downstream.
func (s *Synchronizer) ProcessBlock(block *wire.MsgBlock) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.failed != nil {
		return s.failed
	}
	if err := s.applyLocked(&block.Header); err != nil {
		return err
	}
	height, ok := s.chain.PosOnTrunk(block.BlockHash())
	if !ok {
		return nil
	}
	if err := s.downstream.BlockConnected(block, height); err != nil {
		return s.fail(err)
	}
	return nil
}

// Locator returns the block locator of the trunk, for getheaders.
func (s *Synchronizer) Locator() blockchain.BlockLocator {
	return s.chain.Locator()
}

// Height returns the height of the trunk tip.
func (s *Synchronizer) Height() uint32 {
	return s.chain.Height()
}

// Err returns the Downstream failure that stopped the Synchronizer, if any.
func (s *Synchronizer) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.failed
}

func (s *Synchronizer) applyLocked(header *wire.BlockHeader) error {
	connected, disconnected, err := s.chain.AddHeader(header)
	if err != nil {
		return err
	}
	if len(disconnected) > 0 {
		s.logger.Info("trunk reorganization",
			"fork", connected[0].Height-1,
			"disconnected", len(disconnected),
			"connected", len(connected),
		)
	}
	for _, h := range disconnected {
		if err := s.downstream.BlockDisconnected(&h.Header); err != nil {
			return s.fail(err)
		}
	}
	for _, h := range connected {
		if err := s.downstream.HeaderConnected(&h.Header, h.Height); err != nil {
			return s.fail(err)
		}
	}
	if n := len(connected); n > 0 {
		tip := connected[n-1]
		s.logger.Debug("trunk extended", "height", tip.Height, "hash", tip.Hash())
	}
	return nil
}

func (s *Synchronizer) fail(err error) error {
	s.failed = fmt.Errorf("downstream failed: %w", err)
	s.logger.Error("stopped applying headers", "err", err)
	return s.failed
}

// IsUnconnected reports whether err is caused by a header whose parent is
// unknown, which means the peer sent headers out of order or off our trunk.
func IsUnconnected(err error) bool {
	return errors.Is(err, chaindb.ErrUnconnectedHeader)
}
