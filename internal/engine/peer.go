package engine

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/biadnet/biadnet/internal/p2p"
	"github.com/biadnet/biadnet/libs/log"
)

// minAcceptableProtocolVersion is the lowest protocol version a peer may
// announce.
const minAcceptableProtocolVersion = wire.MultipleAddressVersion

// peer is one connected remote node. All reads and writes happen on the
// goroutine that runs it.
type peer struct {
	logger log.Logger
	conn   net.Conn
	addr   p2p.PeerAddress
	engine *Engine
	net    wire.BitcoinNet

	// negotiated during the handshake
	pver        uint32
	version     int32
	userAgent   string
	startHeight int32
}

func newPeer(logger log.Logger, conn net.Conn, addr p2p.PeerAddress, e *Engine) *peer {
	return &peer{
		logger: logger,
		conn:   conn,
		addr:   addr,
		engine: e,
		net:    e.options.Params.Net,
		pver:   e.options.ProtocolVersion,
	}
}

// handshake exchanges version and verack messages.
func (p *peer) handshake() error {
	if timeout := p.engine.options.HandshakeTimeout; timeout > 0 {
		if err := p.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	if err := p.write(p.versionMsg()); err != nil {
		return err
	}

	var gotVersion, gotVerAck bool
	for !gotVersion || !gotVerAck {
		msg, _, err := wire.ReadMessage(p.conn, p.pver, p.net)
		if err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *wire.MsgVersion:
			if gotVersion {
				return errors.New("duplicate version message")
			}
			if err := p.acceptVersion(msg); err != nil {
				return err
			}
			gotVersion = true
			if err := p.write(wire.NewMsgVerAck()); err != nil {
				return err
			}
		case *wire.MsgVerAck:
			gotVerAck = true
		default:
			if !gotVersion {
				return fmt.Errorf("expected version message, got %s", msg.Command())
			}
			p.logger.Debug("ignoring message during handshake", "command", msg.Command())
		}
	}

	return p.conn.SetDeadline(time.Time{})
}

func (p *peer) versionMsg() *wire.MsgVersion {
	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	you := p.addr.NetAddress(wire.SFNodeNetwork)
	msg := wire.NewMsgVersion(me, you, p.engine.nonce, int32(p.engine.headers.Height()))
	msg.ProtocolVersion = int32(p.engine.options.ProtocolVersion)
	msg.UserAgent = "/" + p.engine.options.UserAgent + "/"
	msg.DisableRelayTx = true
	return msg
}

func (p *peer) acceptVersion(msg *wire.MsgVersion) error {
	if msg.Nonce == p.engine.nonce {
		return errors.New("connected to self")
	}
	if msg.ProtocolVersion < int32(minAcceptableProtocolVersion) {
		return fmt.Errorf("protocol version %d is obsolete", msg.ProtocolVersion)
	}
	if uint32(msg.ProtocolVersion) < p.pver {
		p.pver = uint32(msg.ProtocolVersion)
	}
	p.version = msg.ProtocolVersion
	p.userAgent = msg.UserAgent
	p.startHeight = msg.LastBlock
	return nil
}

// serve requests headers and then handles messages until the connection
// ends. A clean disconnect returns nil.
func (p *peer) serve() error {
	if err := p.requestHeaders(); err != nil {
		return err
	}
	for {
		msg, _, err := wire.ReadMessage(p.conn, p.pver, p.net)
		if err != nil {
			var msgErr *wire.MessageError
			switch {
			case errors.As(err, &msgErr):
				p.logger.Debug("ignoring invalid message", "err", err)
				continue
			case errors.Is(err, io.EOF):
				return nil
			default:
				return err
			}
		}
		p.engine.metrics.MessagesReceived.With("command", msg.Command()).Add(1)
		if err := p.handle(msg); err != nil {
			return err
		}
	}
}

func (p *peer) handle(msg wire.Message) error {
	switch msg := msg.(type) {
	case *wire.MsgPing:
		if p.pver > wire.BIP0031Version {
			return p.write(wire.NewMsgPong(msg.Nonce))
		}

	case *wire.MsgHeaders:
		p.engine.metrics.HeadersReceived.Add(float64(len(msg.Headers)))
		if err := p.engine.headers.ProcessHeaders(msg.Headers); err != nil {
			return fmt.Errorf("processing %d headers: %w", len(msg.Headers), err)
		}
		p.logger.Debug("received headers", "count", len(msg.Headers), "height", p.engine.headers.Height())
		// a full batch means the peer has more
		if len(msg.Headers) == wire.MaxBlockHeadersPerMsg {
			return p.requestHeaders()
		}

	case *wire.MsgInv:
		for _, inv := range msg.InvList {
			if inv.Type == wire.InvTypeBlock || inv.Type == wire.InvTypeWitnessBlock {
				return p.requestHeaders()
			}
		}

	case *wire.MsgBlock:
		if err := p.engine.headers.ProcessBlock(msg); err != nil {
			return fmt.Errorf("processing block %v: %w", msg.BlockHash(), err)
		}

	case *wire.MsgAddr:
		p.learn(msg.AddrList)

	case *wire.MsgVersion:
		return errors.New("duplicate version message")

	default:
		p.logger.Debug("ignoring message", "command", msg.Command())
	}
	return nil
}

func (p *peer) requestHeaders() error {
	msg := wire.NewMsgGetHeaders()
	msg.ProtocolVersion = p.pver
	for _, hash := range p.engine.headers.Locator() {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			return err
		}
	}
	return p.write(msg)
}

func (p *peer) learn(list []*wire.NetAddress) {
	if p.engine.addrs == nil || len(list) == 0 {
		return
	}
	addrs := make([]p2p.PeerAddress, 0, len(list))
	for _, na := range list {
		addr := p2p.PeerAddressFromWire(na, p2p.SourceGossip)
		if err := addr.Validate(); err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	added, err := p.engine.addrs.Add(addrs...)
	if err != nil {
		p.logger.Error("failed to store gossiped addresses", "err", err)
		return
	}
	p.engine.metrics.AddressesLearned.Add(float64(added))
	p.logger.Debug("learned peer addresses", "received", len(list), "added", added)
}

func (p *peer) write(msg wire.Message) error {
	return wire.WriteMessage(p.conn, msg, p.pver, p.net)
}
