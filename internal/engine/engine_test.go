package engine_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/biadnet/biadnet/internal/chaindb/chaintest"
	"github.com/biadnet/biadnet/internal/engine"
	"github.com/biadnet/biadnet/internal/p2p"
	"github.com/biadnet/biadnet/libs/log"
)

const testPver = 70001

var testParams = &chaincfg.RegressionNetParams

type testSink struct {
	mtx     sync.Mutex
	headers []*wire.BlockHeader
	blocks  []*wire.MsgBlock
	addrs   []p2p.PeerAddress
	err     error
}

func (s *testSink) ProcessHeaders(headers []*wire.BlockHeader) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.err != nil {
		return s.err
	}
	s.headers = append(s.headers, headers...)
	return nil
}

func (s *testSink) ProcessBlock(block *wire.MsgBlock) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.blocks = append(s.blocks, block)
	return nil
}

func (s *testSink) Locator() blockchain.BlockLocator {
	return blockchain.BlockLocator{testParams.GenesisHash}
}

func (s *testSink) Height() uint32 { return 7 }

func (s *testSink) Add(addrs ...p2p.PeerAddress) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.addrs = append(s.addrs, addrs...)
	return len(addrs), nil
}

func (s *testSink) numHeaders() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.headers)
}

func (s *testSink) numAddrs() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.addrs)
}

func testOptions() engine.Options {
	return engine.Options{
		Params:           testParams,
		ProtocolVersion:  testPver,
		UserAgent:        "biadnet:0.1.0",
		DialTimeout:      time.Second,
		HandshakeTimeout: time.Second,
	}
}

func startEngine(t *testing.T, ctx context.Context, sink *testSink, opts engine.Options) *engine.Engine {
	t.Helper()
	e, err := engine.NewEngine(log.TestingLogger(), sink, sink, opts, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Stop)
	return e
}

func listen(t *testing.T) (net.Listener, p2p.PeerAddress) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	tcp := ln.Addr().(*net.TCPAddr)
	return ln, p2p.NewPeerAddress(tcp.IP, uint16(tcp.Port), p2p.SourceConfig)
}

func accept(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn net.Conn) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, _, err := wire.ReadMessage(conn, testPver, testParams.Net)
	require.NoError(t, err)
	return msg
}

func writeMsg(t *testing.T, conn net.Conn, msg wire.Message) {
	t.Helper()
	require.NoError(t, wire.WriteMessage(conn, msg, testPver, testParams.Net))
}

func remoteVersion(nonce uint64) *wire.MsgVersion {
	me := wire.NewNetAddressIPPort(net.IPv4(127, 0, 0, 1), 18444, wire.SFNodeNetwork)
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	return wire.NewMsgVersion(me, you, nonce, 100)
}

// handshake plays the remote side of the handshake and returns the version
// message the engine sent.
func handshake(t *testing.T, conn net.Conn) *wire.MsgVersion {
	t.Helper()
	version, ok := readMsg(t, conn).(*wire.MsgVersion)
	require.True(t, ok, "expected version message")

	writeMsg(t, conn, remoteVersion(version.Nonce+1))
	writeMsg(t, conn, wire.NewMsgVerAck())

	_, ok = readMsg(t, conn).(*wire.MsgVerAck)
	require.True(t, ok, "expected verack message")
	return version
}

func requireGetHeaders(t *testing.T, conn net.Conn) *wire.MsgGetHeaders {
	t.Helper()
	msg, ok := readMsg(t, conn).(*wire.MsgGetHeaders)
	require.True(t, ok, "expected getheaders message")
	require.Equal(t, []*chainhash.Hash{testParams.GenesisHash}, msg.BlockLocatorHashes)
	return msg
}

func waitSession(t *testing.T, session *p2p.Session) error {
	t.Helper()
	select {
	case <-session.Done():
		return session.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestEngineOptionsValidate(t *testing.T) {
	testcases := map[string]struct {
		mutate func(*engine.Options)
		ok     bool
	}{
		"default":          {func(*engine.Options) {}, true},
		"no params":        {func(o *engine.Options) { o.Params = nil }, false},
		"no version":       {func(o *engine.Options) { o.ProtocolVersion = 0 }, false},
		"negative timeout": {func(o *engine.Options) { o.DialTimeout = -1 }, false},
		"zero timeouts":    {func(o *engine.Options) { o.DialTimeout, o.HandshakeTimeout = 0, 0 }, true},
		"oversized agent":  {func(o *engine.Options) { o.UserAgent = string(make([]byte, wire.MaxUserAgentLen)) }, false},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			opts := testOptions()
			tc.mutate(&opts)
			err := opts.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestEngineNotRunning(t *testing.T) {
	e, err := engine.NewEngine(log.TestingLogger(), &testSink{}, nil, testOptions(), nil)
	require.NoError(t, err)

	_, addr := listen(t)
	session := e.AddPeer(context.Background(), addr)
	require.ErrorIs(t, waitSession(t, session), engine.ErrNotRunning)
}

func TestEngineSession(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &testSink{}
	e := startEngine(t, ctx, sink, testOptions())
	ln, addr := listen(t)

	session := e.AddPeer(ctx, addr)
	conn := accept(t, ln)

	version := handshake(t, conn)
	require.EqualValues(t, testPver, version.ProtocolVersion)
	require.Equal(t, "/biadnet:0.1.0/", version.UserAgent)
	require.EqualValues(t, 7, version.LastBlock)
	requireGetHeaders(t, conn)

	// headers are passed on
	headers := wire.NewMsgHeaders()
	for _, h := range chaintest.MakeChain(chaintest.Genesis(), 3, 1) {
		require.NoError(t, headers.AddBlockHeader(h))
	}
	writeMsg(t, conn, headers)
	require.Eventually(t, func() bool { return sink.numHeaders() == 3 }, 5*time.Second, 10*time.Millisecond)

	// pings are answered
	writeMsg(t, conn, wire.NewMsgPing(42))
	pong, ok := readMsg(t, conn).(*wire.MsgPong)
	require.True(t, ok, "expected pong message")
	require.EqualValues(t, 42, pong.Nonce)

	// a block announcement asks for headers
	inv := wire.NewMsgInv()
	hash := chaintest.Genesis().BlockHash()
	require.NoError(t, inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash)))
	writeMsg(t, conn, inv)
	requireGetHeaders(t, conn)

	// gossiped addresses go to the address sink, invalid ones are dropped
	addrs := wire.NewMsgAddr()
	require.NoError(t, addrs.AddAddress(wire.NewNetAddressIPPort(net.IPv4(10, 0, 0, 1), 8333, wire.SFNodeNetwork)))
	require.NoError(t, addrs.AddAddress(wire.NewNetAddressIPPort(net.IPv4(10, 0, 0, 2), 0, wire.SFNodeNetwork)))
	writeMsg(t, conn, addrs)
	require.Eventually(t, func() bool { return sink.numAddrs() == 1 }, 5*time.Second, 10*time.Millisecond)

	// a clean disconnect resolves the session without error
	require.NoError(t, conn.Close())
	require.NoError(t, waitSession(t, session))
}

func TestEngineRequestsMoreAfterFullBatch(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &testSink{}
	e := startEngine(t, ctx, sink, testOptions())
	ln, addr := listen(t)

	session := e.AddPeer(ctx, addr)
	conn := accept(t, ln)
	handshake(t, conn)
	requireGetHeaders(t, conn)

	headers := wire.NewMsgHeaders()
	for _, h := range chaintest.MakeChain(chaintest.Genesis(), wire.MaxBlockHeadersPerMsg, 1) {
		require.NoError(t, headers.AddBlockHeader(h))
	}
	writeMsg(t, conn, headers)
	requireGetHeaders(t, conn)
	require.Equal(t, wire.MaxBlockHeadersPerMsg, sink.numHeaders())

	cancel()
	require.NoError(t, waitSession(t, session))
}

func TestEngineHeaderFailureEndsSession(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &testSink{err: errors.New("header out of order")}
	e := startEngine(t, ctx, sink, testOptions())
	ln, addr := listen(t)

	session := e.AddPeer(ctx, addr)
	conn := accept(t, ln)
	handshake(t, conn)
	requireGetHeaders(t, conn)

	headers := wire.NewMsgHeaders()
	require.NoError(t, headers.AddBlockHeader(chaintest.MakeChain(chaintest.Genesis(), 1, 1)[0]))
	writeMsg(t, conn, headers)

	require.ErrorIs(t, waitSession(t, session), sink.err)
}

func TestEngineHandshakeFailures(t *testing.T) {
	testcases := map[string]func(t *testing.T, conn net.Conn){
		"timeout": func(t *testing.T, conn net.Conn) {
			readMsg(t, conn)
		},
		"self connection": func(t *testing.T, conn net.Conn) {
			version := readMsg(t, conn).(*wire.MsgVersion)
			writeMsg(t, conn, remoteVersion(version.Nonce))
		},
		"obsolete version": func(t *testing.T, conn net.Conn) {
			version := readMsg(t, conn).(*wire.MsgVersion)
			msg := remoteVersion(version.Nonce + 1)
			msg.ProtocolVersion = 100
			writeMsg(t, conn, msg)
		},
		"message before version": func(t *testing.T, conn net.Conn) {
			readMsg(t, conn)
			writeMsg(t, conn, wire.NewMsgPing(1))
		},
		"closed": func(t *testing.T, conn net.Conn) {
			readMsg(t, conn)
			require.NoError(t, conn.Close())
		},
	}
	for name, remote := range testcases {
		remote := remote
		t.Run(name, func(t *testing.T) {
			t.Cleanup(leaktest.Check(t))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			opts := testOptions()
			opts.HandshakeTimeout = 200 * time.Millisecond
			e := startEngine(t, ctx, &testSink{}, opts)
			ln, addr := listen(t)

			session := e.AddPeer(ctx, addr)
			remote(t, accept(t, ln))
			require.Error(t, waitSession(t, session))
		})
	}
}

func TestEngineDialFailure(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := startEngine(t, ctx, &testSink{}, testOptions())
	ln, addr := listen(t)
	require.NoError(t, ln.Close())

	session := e.AddPeer(ctx, addr)
	require.Error(t, waitSession(t, session))
}

func TestEngineStopEndsSessions(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := engine.NewEngine(log.TestingLogger(), &testSink{}, nil, testOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	ln, addr := listen(t)

	session := e.AddPeer(ctx, addr)
	conn := accept(t, ln)
	handshake(t, conn)
	requireGetHeaders(t, conn)

	e.Stop()
	require.NoError(t, waitSession(t, session))

	late := e.AddPeer(ctx, addr)
	require.ErrorIs(t, waitSession(t, late), engine.ErrNotRunning)
}

func TestEngineCallerContextEndsSession(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := startEngine(t, ctx, &testSink{}, testOptions())
	ln, addr := listen(t)

	peerCtx, peerCancel := context.WithCancel(ctx)
	session := e.AddPeer(peerCtx, addr)
	conn := accept(t, ln)
	handshake(t, conn)
	requireGetHeaders(t, conn)

	peerCancel()
	require.NoError(t, waitSession(t, session))
	require.True(t, e.IsRunning())
}
