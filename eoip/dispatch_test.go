package eoip

import (
	"bytes"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"golang.org/x/net/ipv4"
)

type fakeLinkControl struct {
	ops []string
}

func (f *fakeLinkControl) SetUp(ifname string) error {
	f.ops = append(f.ops, "up "+ifname)
	return nil
}

func (f *fakeLinkControl) SetDown(ifname string) error {
	f.ops = append(f.ops, "down "+ifname)
	return nil
}

func (f *fakeLinkControl) Close() {
}

type fakeSender struct {
	sent [][]byte
	err  error
}

func (f *fakeSender) Send(b []byte) error {
	f.sent = append(f.sent, append([]byte(nil), b...))
	return f.err
}

type fakeTap struct {
	name   string
	reads  [][]byte
	writes [][]byte
}

func (f *fakeTap) Read(p []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, io.EOF
	}
	frame := f.reads[0]
	f.reads = f.reads[1:]
	return copy(p, frame), nil
}

func (f *fakeTap) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeTap) Name() string {
	return f.name
}

type fakeRecvSocket struct {
	datagrams [][]byte
}

func (f *fakeRecvSocket) Recv(p []byte) (int, error) {
	if len(f.datagrams) == 0 {
		return 0, io.EOF
	}
	datagram := f.datagrams[0]
	f.datagrams = f.datagrams[1:]
	return copy(p, datagram), nil
}

// testHarness wires a context with one TAP tunnel (id 1, peer
// 198.51.100.2, interface eoip0) and one forward tunnel (id 2,
// side A 203.0.113.10, side B 203.0.113.20), all on fakes.
type testHarness struct {
	ctx      *Context
	link     *fakeLinkControl
	tapSock  *fakeSender
	tapDev   *fakeTap
	sideA    *fakeSender
	sideB    *fakeSender
	template []byte
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	template, err := NewHeaderTemplate("01 00 64 00 00 00 00 00")
	if err != nil {
		t.Fatalf("NewHeaderTemplate: %v", err)
	}

	h := &testHarness{
		link:     &fakeLinkControl{},
		tapSock:  &fakeSender{},
		tapDev:   &fakeTap{name: "eoip0"},
		sideA:    &fakeSender{},
		sideB:    &fakeSender{},
		template: template,
	}

	logger := log.NewNopLogger()
	h.ctx = &Context{
		logger: logger,
		cfg: Config{
			Protocol:    47,
			IdleTimeout: 60 * time.Second,
		},
		template: template,
		linkctl:  h.link,
		taps:     make(map[TunnelID]*tapTunnel),
		fwds:     make(map[TunnelID]*fwdTunnel),
		liveness: newLivenessTable(),
	}

	h.ctx.taps[1] = &tapTunnel{
		id:     1,
		sock:   h.tapSock,
		dev:    h.tapDev,
		ifname: "eoip0",
		header: stampedHeader(template, 1),
		logger: logger,
	}
	h.ctx.liveness.taps[1] = &tunnelState{}

	h.ctx.fwds[2] = &fwdTunnel{
		id:     2,
		sideA:  h.sideA,
		sideB:  h.sideB,
		peerA:  [4]byte{203, 0, 113, 10},
		peerB:  [4]byte{203, 0, 113, 20},
		logger: logger,
	}
	h.ctx.liveness.fwds[2] = &fwdState{}

	return h
}

// buildDatagram synthesizes a raw-socket style datagram: a marshalled
// IPv4 header followed by the payload, as the shared receive socket
// would deliver it.
func buildDatagram(t *testing.T, src string, payload []byte) []byte {
	t.Helper()
	hdr := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      64,
		Protocol: 47,
		Src:      net.ParseIP(src),
		Dst:      net.ParseIP("192.0.2.1"),
	}
	b, err := hdr.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal IPv4 header: %v", err)
	}
	return append(b, payload...)
}

func (h *testHarness) tapKeepalive(t *testing.T) []byte {
	return buildDatagram(t, "198.51.100.2", stampedHeader(h.template, 1))
}

func (h *testHarness) tapData(t *testing.T, frame []byte) []byte {
	return buildDatagram(t, "198.51.100.2", append(stampedHeader(h.template, 1), frame...))
}

func TestDispatchTapKeepalive(t *testing.T) {
	h := newTestHarness(t)

	h.ctx.dispatch(h.tapKeepalive(t))

	if want := []string{"up eoip0"}; !reflect.DeepEqual(h.link.ops, want) {
		t.Fatalf("link ops: got %v, want %v", h.link.ops, want)
	}
	if len(h.tapDev.writes) != 0 {
		t.Fatalf("keepalive must not be written to the TAP device, got %d writes", len(h.tapDev.writes))
	}
	if !h.ctx.liveness.taps[1].up {
		t.Fatalf("tunnel 1 should be up")
	}
}

func TestDispatchTapPayload(t *testing.T) {
	frame := []byte{
		0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66,
		0x08, 0x00,
	}

	h := newTestHarness(t)
	h.ctx.dispatch(h.tapKeepalive(t))
	h.ctx.dispatch(h.tapData(t, frame))

	// The up edge is reported once only.
	if want := []string{"up eoip0"}; !reflect.DeepEqual(h.link.ops, want) {
		t.Fatalf("link ops: got %v, want %v", h.link.ops, want)
	}
	if len(h.tapDev.writes) != 1 || !bytes.Equal(h.tapDev.writes[0], frame) {
		t.Fatalf("TAP writes: got %x, want %x", h.tapDev.writes, frame)
	}
}

func TestDispatchTapOneBytePayload(t *testing.T) {
	h := newTestHarness(t)

	h.ctx.dispatch(h.tapData(t, []byte{0x42}))

	if len(h.tapDev.writes) != 1 || !bytes.Equal(h.tapDev.writes[0], []byte{0x42}) {
		t.Fatalf("TAP writes: got %x", h.tapDev.writes)
	}
}

func TestDispatchShortDatagram(t *testing.T) {
	h := newTestHarness(t)

	// One octet short of carrying an EoIP header.
	h.ctx.dispatch(h.tapKeepalive(t)[:keepaliveLen-1])

	if len(h.link.ops) != 0 {
		t.Fatalf("short datagram changed link state: %v", h.link.ops)
	}
	if h.ctx.liveness.taps[1].up {
		t.Fatalf("short datagram changed liveness state")
	}
}

func TestDispatchUnknownTunnel(t *testing.T) {
	h := newTestHarness(t)

	h.ctx.dispatch(buildDatagram(t, "198.51.100.2", stampedHeader(h.template, 99)))

	if len(h.link.ops) != 0 || len(h.tapDev.writes) != 0 ||
		len(h.sideA.sent) != 0 || len(h.sideB.sent) != 0 {
		t.Fatalf("unknown tunnel produced side effects")
	}
}

func TestDispatchForward(t *testing.T) {
	frame := make([]byte, 32)
	for i := range frame {
		frame[i] = byte(i)
	}

	cases := []struct {
		name     string
		src      string
		wantOut  func(h *testHarness) *fakeSender
		wantSide func(h *testHarness) *tunnelState
	}{
		{
			// Packets from side A relay out side B.
			name:     "side a",
			src:      "203.0.113.10",
			wantOut:  func(h *testHarness) *fakeSender { return h.sideB },
			wantSide: func(h *testHarness) *tunnelState { return &h.ctx.liveness.fwds[2].sideA },
		},
		{
			// Packets from side B relay out side A.
			name:     "side b",
			src:      "203.0.113.20",
			wantOut:  func(h *testHarness) *fakeSender { return h.sideA },
			wantSide: func(h *testHarness) *tunnelState { return &h.ctx.liveness.fwds[2].sideB },
		},
		{
			// Packets from an unrecognised source fall through to
			// the side B branch and relay out side A.
			name:     "unknown source",
			src:      "192.0.2.99",
			wantOut:  func(h *testHarness) *fakeSender { return h.sideA },
			wantSide: func(h *testHarness) *tunnelState { return &h.ctx.liveness.fwds[2].sideB },
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newTestHarness(t)
			payload := append(stampedHeader(h.template, 2), frame...)

			h.ctx.dispatch(buildDatagram(t, c.src, payload))

			out := c.wantOut(h)
			if len(out.sent) != 1 || !bytes.Equal(out.sent[0], payload) {
				t.Fatalf("relayed packet: got %x, want %x", out.sent, payload)
			}
			if !c.wantSide(h).up {
				t.Fatalf("expected source side to come up")
			}
		})
	}
}

func TestSweepTapTimeout(t *testing.T) {
	h := newTestHarness(t)
	now := time.Now()

	h.ctx.dispatch(h.tapKeepalive(t))
	h.ctx.liveness.taps[1].lastPacket = now.Add(-70 * time.Second)

	h.ctx.sweep(now)

	if want := []string{"up eoip0", "down eoip0"}; !reflect.DeepEqual(h.link.ops, want) {
		t.Fatalf("link ops: got %v, want %v", h.link.ops, want)
	}
	if h.ctx.liveness.taps[1].up {
		t.Fatalf("tunnel 1 should be down after timeout")
	}

	// A second sweep must not report the down edge again.
	h.ctx.sweep(now.Add(sweepInterval))
	if len(h.link.ops) != 2 {
		t.Fatalf("down edge reported twice: %v", h.link.ops)
	}

	// The next packet brings the tunnel straight back up: up and
	// down commands alternate.
	h.ctx.dispatch(h.tapKeepalive(t))
	if want := []string{"up eoip0", "down eoip0", "up eoip0"}; !reflect.DeepEqual(h.link.ops, want) {
		t.Fatalf("link ops: got %v, want %v", h.link.ops, want)
	}
}

func TestSweepFresh(t *testing.T) {
	h := newTestHarness(t)
	now := time.Now()

	h.ctx.dispatch(h.tapKeepalive(t))
	h.ctx.sweep(now.Add(10 * time.Second))

	if want := []string{"up eoip0"}; !reflect.DeepEqual(h.link.ops, want) {
		t.Fatalf("fresh tunnel downed by sweeper: %v", h.link.ops)
	}
}

func TestSweepForwardTimeout(t *testing.T) {
	h := newTestHarness(t)
	now := time.Now()

	payload := stampedHeader(h.template, 2)
	h.ctx.dispatch(buildDatagram(t, "203.0.113.10", payload))
	h.ctx.dispatch(buildDatagram(t, "203.0.113.20", payload))

	state := h.ctx.liveness.fwds[2]
	state.sideA.lastPacket = now.Add(-70 * time.Second)
	state.sideB.lastPacket = now.Add(-70 * time.Second)

	h.ctx.sweep(now)

	if state.sideA.up || state.sideB.up {
		t.Fatalf("forward sides should be down after timeout")
	}
	// Forward tunnels have no associated interface.
	if len(h.link.ops) != 0 {
		t.Fatalf("forward timeout issued link commands: %v", h.link.ops)
	}
}

func TestRunDispatch(t *testing.T) {
	frame := []byte{0xde, 0xad, 0xbe, 0xef}

	h := newTestHarness(t)
	h.ctx.recvSock = &fakeRecvSocket{
		datagrams: [][]byte{
			h.tapKeepalive(t),
			h.tapData(t, frame),
		},
	}

	h.ctx.wg.Add(1)
	go h.ctx.runDispatch()
	h.ctx.wg.Wait()

	if want := []string{"up eoip0"}; !reflect.DeepEqual(h.link.ops, want) {
		t.Fatalf("link ops: got %v, want %v", h.link.ops, want)
	}
	if len(h.tapDev.writes) != 1 || !bytes.Equal(h.tapDev.writes[0], frame) {
		t.Fatalf("TAP writes: got %x, want %x", h.tapDev.writes, frame)
	}
}
