package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-zeromq/zmq4"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/netutil"
)

// compressThreshold is the frame size above which Net transparently zstd
// compresses before writing to the wire. Most registration, discovery and
// control-plane frames are far smaller than this and go out uncompressed;
// it exists for the rare oversized request/response payload.
const compressThreshold = 8 * 1024

// maxMonitorConns caps how many observers can attach to the monitor
// endpoint at once, so a runaway debugging script can't exhaust file
// descriptors on the broker host.
const maxMonitorConns = 64

// Net is a Transport implementation over real TCP sockets: the frontend
// and backend endpoints are ZMQ4 ROUTER sockets (peers dial in as DEALERs),
// and the monitor endpoint is a plain length-prefixed TCP broadcast stream
// — simple enough that any tool, not just a ZMQ client, can tail it.
type Net struct {
	frontend zmq4.Socket
	backend  zmq4.Socket

	monitorLn    net.Listener
	monitorMu    sync.Mutex
	monitorConns map[net.Conn]struct{}

	enc *zstd.Encoder
	dec *zstd.Decoder

	// Debug enables verbose connection-lifecycle logging. Off by default.
	Debug bool
}

// NewNet constructs a Net transport. The zstd encoder/decoder are shared
// across every frame Net compresses, which is safe because zstd.Encoder
// and zstd.Decoder are both documented as concurrency-safe for
// EncodeAll/DecodeAll use.
func NewNet() (*Net, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("transport: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("transport: init zstd decoder: %w", err)
	}
	return &Net{
		monitorConns: make(map[net.Conn]struct{}),
		enc:          enc,
		dec:          dec,
	}, nil
}

func (n *Net) BindFrontend(ctx context.Context, addr string) error {
	n.frontend = zmq4.NewRouter(ctx)
	if err := n.frontend.Listen("tcp://" + addr); err != nil {
		return fmt.Errorf("transport: bind frontend on %s: %w", addr, err)
	}
	return nil
}

func (n *Net) BindBackend(ctx context.Context, addr string) error {
	n.backend = zmq4.NewRouter(ctx)
	if err := n.backend.Listen("tcp://" + addr); err != nil {
		return fmt.Errorf("transport: bind backend on %s: %w", addr, err)
	}
	return nil
}

// BindMonitor listens on addr and starts accepting observer connections in
// the background. netutil.LimitListener bounds the accept loop to
// maxMonitorConns so a misbehaving or forgotten monitoring script can't
// starve the broker of file descriptors.
func (n *Net) BindMonitor(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: bind monitor on %s: %w", addr, err)
	}
	n.monitorLn = netutil.LimitListener(ln, maxMonitorConns)

	go n.acceptMonitors(ctx)
	return nil
}

func (n *Net) acceptMonitors(ctx context.Context) {
	for {
		conn, err := n.monitorLn.Accept()
		if err != nil {
			return
		}
		n.monitorMu.Lock()
		n.monitorConns[conn] = struct{}{}
		n.monitorMu.Unlock()

		go func() {
			<-ctx.Done()
			n.dropMonitor(conn)
		}()
	}
}

func (n *Net) dropMonitor(conn net.Conn) {
	n.monitorMu.Lock()
	delete(n.monitorConns, conn)
	n.monitorMu.Unlock()
	conn.Close()
}

func (n *Net) RecvFrontend(ctx context.Context) (PeerHandle, Frame, error) {
	return recvRouter(n.frontend, n.dec)
}

func (n *Net) RecvBackend(ctx context.Context) (PeerHandle, Frame, error) {
	return recvRouter(n.backend, n.dec)
}

func recvRouter(sock zmq4.Socket, dec *zstd.Decoder) (PeerHandle, Frame, error) {
	msg, err := sock.Recv()
	if err != nil {
		return "", nil, fmt.Errorf("transport: recv: %w", err)
	}
	if len(msg.Frames) < 2 {
		return "", nil, fmt.Errorf("transport: malformed router frame: %d parts", len(msg.Frames))
	}

	identity := PeerHandle(msg.Frames[0])
	payload := msg.Frames[len(msg.Frames)-1]

	frame, err := decompress(payload, dec)
	if err != nil {
		return identity, nil, fmt.Errorf("transport: decompress frame from %s: %w", identity, err)
	}
	return identity, frame, nil
}

func (n *Net) SendFrontend(ctx context.Context, peer PeerHandle, frame Frame) error {
	return sendRouter(n.frontend, peer, frame, n.enc)
}

func (n *Net) SendBackend(ctx context.Context, peer PeerHandle, frame Frame) error {
	return sendRouter(n.backend, peer, frame, n.enc)
}

func sendRouter(sock zmq4.Socket, peer PeerHandle, frame Frame, enc *zstd.Encoder) error {
	payload := compress(frame, enc)
	msg := zmq4.NewMsgFrom([]byte(peer), payload)
	if err := sock.Send(msg); err != nil {
		return fmt.Errorf("transport: send to %s: %w", peer, err)
	}
	return nil
}

// PublishMonitor writes a length-prefixed frame to every connected monitor
// observer. A slow observer that can't keep its TCP write buffer drained is
// dropped rather than allowed to backpressure routing.
func (n *Net) PublishMonitor(ctx context.Context, frame Frame) {
	n.monitorMu.Lock()
	defer n.monitorMu.Unlock()

	for conn := range n.monitorConns {
		if err := writeFramed(conn, frame); err != nil {
			delete(n.monitorConns, conn)
			conn.Close()
			if n.Debug {
				log.Printf("transport: dropped monitor observer %s, %s behind", conn.RemoteAddr(), humanize.Bytes(uint64(len(frame))))
			}
		}
	}
}

func writeFramed(w io.Writer, frame Frame) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(frame); err != nil {
		return err
	}
	return bw.Flush()
}

func compress(frame Frame, enc *zstd.Encoder) []byte {
	if len(frame) < compressThreshold {
		return append([]byte{0}, frame...)
	}
	compressed := enc.EncodeAll(frame, make([]byte, 0, len(frame)))
	return append([]byte{1}, compressed...)
}

func decompress(payload []byte, dec *zstd.Decoder) (Frame, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	marker, body := payload[0], payload[1:]
	if marker == 0 {
		return Frame(body), nil
	}
	out, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, err
	}
	return Frame(out), nil
}

// NetConn is a client-side connection to a Net broker's frontend or backend
// endpoint, dialed as a ZMQ4 DEALER against the broker's ROUTER socket. It
// satisfies the same Send/Recv/Close shape as InProc's PeerConn, so
// internal/client can be written once against either.
type NetConn struct {
	sock zmq4.Socket
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// DialNet connects to a Net broker endpoint at addr.
func DialNet(ctx context.Context, addr string) (*NetConn, error) {
	sock := zmq4.NewDealer(ctx)
	if err := sock.Dial("tcp://" + addr); err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("transport: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("transport: init zstd decoder: %w", err)
	}
	return &NetConn{sock: sock, enc: enc, dec: dec}, nil
}

func (c *NetConn) Send(ctx context.Context, frame Frame) error {
	payload := compress(frame, c.enc)
	if err := c.sock.Send(zmq4.NewMsg(payload)); err != nil {
		return fmt.Errorf("transport: dealer send: %w", err)
	}
	return nil
}

func (c *NetConn) Recv(ctx context.Context) (Frame, error) {
	msg, err := c.sock.Recv()
	if err != nil {
		return nil, fmt.Errorf("transport: dealer recv: %w", err)
	}
	if len(msg.Frames) == 0 {
		return nil, fmt.Errorf("transport: empty dealer frame")
	}
	return decompress(msg.Frames[len(msg.Frames)-1], c.dec)
}

func (c *NetConn) Close() error {
	c.dec.Close()
	return c.sock.Close()
}

func (n *Net) Close() error {
	var firstErr error
	if n.frontend != nil {
		if err := n.frontend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.backend != nil {
		if err := n.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.monitorLn != nil {
		if err := n.monitorLn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.dec.Close()
	return firstErr
}
