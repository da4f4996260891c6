// Package chainsync keeps the content store in step with the header trunk.
package chainsync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/biadnet/biadnet/internal/chaindb"
	"github.com/biadnet/biadnet/internal/content"
	"github.com/biadnet/biadnet/internal/headersync"
	"github.com/biadnet/biadnet/libs/log"
)

// ErrHalted is returned by every call after the driver failed once.
var ErrHalted = errors.New("chain sync halted")

// Store is the part of the content store the driver writes to.
type Store interface {
	AddHeader(header *wire.BlockHeader) error
	UnwindTip(header *wire.BlockHeader) error
	Positions() []content.Position
}

var _ Store = (*content.Store)(nil)

type haltedError struct {
	cause error
}

func (e haltedError) Error() string        { return fmt.Sprintf("%v: %v", ErrHalted, e.cause) }
func (e haltedError) Unwrap() error        { return e.cause }
func (e haltedError) Is(target error) bool { return target == ErrHalted }

// Driver routes trunk movements to the content store. The first store
// failure halts it for good: later notifications are refused with ErrHalted
// and leave the store untouched.
type Driver struct {
	logger log.Logger
	store  Store

	mtx    sync.Mutex
	err    error
	failed chan struct{}
}

var _ headersync.Downstream = (*Driver)(nil)

// NewDriver returns a driver writing to store.
func NewDriver(logger log.Logger, store Store) *Driver {
	return &Driver{
		logger: logger,
		store:  store,
		failed: make(chan struct{}),
	}
}

// BlockConnected implements headersync.Downstream. Blocks carry nothing the
// store needs beyond their header, which was already connected.
func (d *Driver) BlockConnected(block *wire.MsgBlock, height uint32) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.haltedLocked()
}

// HeaderConnected implements headersync.Downstream.
func (d *Driver) HeaderConnected(header *wire.BlockHeader, height uint32) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.haltedLocked(); err != nil {
		return err
	}
	if err := d.store.AddHeader(header); err != nil {
		return d.failLocked(fmt.Errorf("adding header %v at height %d: %w", header.BlockHash(), height, err))
	}
	return nil
}

// BlockDisconnected implements headersync.Downstream.
func (d *Driver) BlockDisconnected(header *wire.BlockHeader) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.haltedLocked(); err != nil {
		return err
	}
	if err := d.store.UnwindTip(header); err != nil {
		return d.failLocked(fmt.Errorf("unwinding header %v: %w", header.BlockHash(), err))
	}
	return nil
}

// Failed is closed when the driver halts.
func (d *Driver) Failed() <-chan struct{} {
	return d.failed
}

// Err returns the failure that halted the driver, or nil.
func (d *Driver) Err() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.err
}

// Resync brings the store back onto the trunk after a restart: positions that
// left the trunk while the node was down are unwound, then the trunk headers
// above the store tip are added. An empty store is anchored at the trunk tip.
func (d *Driver) Resync(trunk chaindb.Trunk) error {
	positions := d.store.Positions()
	for i := len(positions) - 1; i >= 0; i-- {
		pos := positions[i]
		if height, ok := trunk.Height(pos.Hash); ok && height == pos.Height {
			break
		}
		header, ok := trunk.Header(pos.Hash)
		if !ok {
			return d.fail(fmt.Errorf("content position %v at height %d is unknown to the header database",
				pos.Hash, pos.Height))
		}
		if err := d.BlockDisconnected(header); err != nil {
			return err
		}
		positions = positions[:i]
	}

	if len(positions) == 0 {
		hash, height, ok := trunk.TipPosition()
		if !ok {
			return nil
		}
		tip, ok := trunk.Header(hash)
		if !ok {
			return nil
		}
		d.logger.Info("anchoring content store at trunk tip", "height", height, "hash", hash)
		return d.HeaderConnected(tip, height)
	}

	from := positions[len(positions)-1].Height + 1
	to := trunk.Len()
	for height := from; height <= to; height++ {
		header, ok := trunk.HeaderAt(height)
		if !ok {
			// the trunk moved back under us; the synchronizer will catch up
			break
		}
		if err := d.HeaderConnected(header, height); err != nil {
			return err
		}
	}
	if to >= from {
		d.logger.Info("replayed trunk headers into content store", "from", from, "to", to)
	}
	return nil
}

func (d *Driver) fail(err error) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if halted := d.haltedLocked(); halted != nil {
		return halted
	}
	return d.failLocked(err)
}

func (d *Driver) haltedLocked() error {
	if d.err != nil {
		return haltedError{cause: d.err}
	}
	return nil
}

func (d *Driver) failLocked(err error) error {
	d.err = err
	close(d.failed)
	d.logger.Error("content store failed, halting chain sync", "err", err)
	return err
}
