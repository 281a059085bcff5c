package leadapter

import (
	"bytes"
	"errors"
	"reflect"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"avaneesh/blefrag/pkg/frag"
	"avaneesh/blefrag/pkg/internal/logger"
	"avaneesh/blefrag/pkg/radio"
)

type xorHook struct {
	mu     sync.Mutex
	closed []string
}

func (h *xorHook) Encrypt(ep Endpoint, plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext)+1)
	out[0] = 'S'
	for i, b := range plaintext {
		out[i+1] = b ^ 0x5A
	}
	return out, nil
}

func (h *xorHook) Decrypt(ep Endpoint, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || ciphertext[0] != 'S' {
		return nil, errors.New("bad ciphertext")
	}
	out := make([]byte, len(ciphertext)-1)
	for i, b := range ciphertext[1:] {
		out[i] = b ^ 0x5A
	}
	return out, nil
}

func (h *xorHook) CloseSession(address string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, address)
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

func TestSendFragmentsDefaultMTU(t *testing.T) {
	a, r, _ := newSyncAdapter(t, syncConfig())
	a.RequestDiscover()

	data := payload(30)
	n, err := a.SendMessage(&Endpoint{Address: "AA", Port: 1}, data, DataRequest)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if n != 30 {
		t.Errorf("SendMessage() = %d, want 30", n)
	}

	sent := r.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d segments, want 2", len(sent))
	}
	first, second := sent[0].data, sent[1].data
	if len(first) != 20 || len(second) != 18 {
		t.Errorf("segment lengths = %d, %d, want 20, 18", len(first), len(second))
	}
	if want := []byte{0x81, 0x01, 0, 0, 0, 30}; !bytes.Equal(first[:6], want) {
		t.Errorf("start header = % x, want % x", first[:6], want)
	}
	if want := []byte{0x01, 0x01}; !bytes.Equal(second[:2], want) {
		t.Errorf("continuation header = % x, want % x", second[:2], want)
	}
	got := append(append([]byte(nil), first[6:]...), second[2:]...)
	if !bytes.Equal(got, data) {
		t.Errorf("payload mismatch")
	}
	for _, f := range sent {
		if f.role != radio.RoleClient || f.address != "AA" {
			t.Errorf("segment sent via %v to %s, want client to AA", f.role, f.address)
		}
	}

	stats := a.Statistics(radio.RoleClient)
	if got := stats.GetTxSegments(); got != 2 {
		t.Errorf("TxSegments = %d, want 2", got)
	}
	if got := stats.GetTxMessages(); got != 1 {
		t.Errorf("TxMessages = %d, want 1", got)
	}
}

func TestSendAbortsOnFirstFailure(t *testing.T) {
	a, r, rec := newSyncAdapter(t, syncConfig())
	a.RequestListen()
	r.failAt = 3

	data := payload(100) // 6 segments at MTU 20
	_, err := a.SendMessage(&Endpoint{Address: "BB", Port: 1}, data, DataResponse)
	if !errors.Is(err, frag.ErrSendFailure) {
		t.Fatalf("SendMessage() error = %v, want ErrSendFailure", err)
	}
	if got := len(r.Sent()); got != 2 {
		t.Errorf("delivered segments = %d, want 2", got)
	}
	if r.sends != 3 {
		t.Errorf("send attempts = %d, want 3", r.sends)
	}

	if len(rec.errs) != 1 {
		t.Fatalf("error callbacks = %d, want 1", len(rec.errs))
	}
	if !errors.Is(rec.errs[0], frag.ErrSendFailure) {
		t.Errorf("callback error = %v, want ErrSendFailure", rec.errs[0])
	}
	if !bytes.Equal(rec.errData[0], data) {
		t.Errorf("callback data does not match the original message")
	}

	stats := a.Statistics(radio.RoleServer)
	if got := stats.GetSendFailures(); got != 1 {
		t.Errorf("SendFailures = %d, want 1", got)
	}
	if got := stats.GetTxMessages(); got != 0 {
		t.Errorf("TxMessages = %d, want 0", got)
	}
}

func TestSendUsesPeerMTU(t *testing.T) {
	a, r, _ := newSyncAdapter(t, syncConfig())
	a.RequestListen()
	r.mtu["BB"] = 50
	r.mtu["CC"] = 4000

	if _, err := a.SendMessage(&Endpoint{Address: "BB", Port: 1}, payload(40), DataResponse); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	sent := r.Sent()
	if len(sent) != 1 || len(sent[0].data) != 46 {
		t.Fatalf("sent %d segments, want one of 46 bytes", len(sent))
	}

	if got := a.MTU("CC"); got != frag.MaxMTU {
		t.Errorf("MTU(CC) = %d, want %d", got, frag.MaxMTU)
	}
	if got := a.MTU("DD"); got != frag.DefaultMTU {
		t.Errorf("MTU(DD) = %d, want %d", got, frag.DefaultMTU)
	}
}

func TestSendRoutingBothMode(t *testing.T) {
	a, r, _ := newSyncAdapter(t, syncConfig())
	a.RequestListen()
	a.RequestDiscover()

	ep := &Endpoint{Address: "AA", Port: 1}
	a.SendMessage(ep, []byte("rsp"), DataResponse)
	a.SendMessage(ep, []byte("req"), DataRequest)
	a.SendMessage(ep, []byte("res"), DataResponseForResource)

	var roles []radio.Role
	for _, f := range r.Sent() {
		roles = append(roles, f.role)
	}
	want := []radio.Role{radio.RoleServer, radio.RoleClient, radio.RoleClient}
	if !reflect.DeepEqual(roles, want) {
		t.Errorf("roles = %v, want %v", roles, want)
	}
}

func TestSendErrors(t *testing.T) {
	a, _, _ := newSyncAdapter(t, syncConfig())
	ep := &Endpoint{Address: "AA", Port: 1}

	if _, err := a.SendMessage(ep, []byte("x"), DataRequest); !errors.Is(err, ErrNotStarted) {
		t.Errorf("SendMessage() in empty mode error = %v, want ErrNotStarted", err)
	}

	a.RequestDiscover()
	tests := []struct {
		name string
		ep   *Endpoint
		data []byte
		want error
	}{
		{"multicast", nil, []byte("x"), frag.ErrUnsupported},
		{"empty", ep, nil, frag.ErrInvalidParam},
		{"bad port", &Endpoint{Address: "AA", Port: 200}, []byte("x"), frag.ErrInvalidParam},
		{"secure without hook", &Endpoint{Address: "AA", Port: 1, Secure: true}, []byte("x"), ErrNoSecureHook},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.SendMessage(tt.ep, tt.data, DataRequest); !errors.Is(err, tt.want) {
				t.Errorf("SendMessage() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := a.SendMulticast([]byte("x"), DataRequest); !errors.Is(err, frag.ErrUnsupported) {
		t.Errorf("SendMulticast() error = %v, want ErrUnsupported", err)
	}
}

func TestReceiveDeliversAndFilters(t *testing.T) {
	a, _, rec := newSyncAdapter(t, syncConfig())
	a.RequestListen()

	data := payload(75)
	segments, err := frag.Fragment(data, 20, 7, 1, false)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	for _, seg := range segments {
		a.receive(radio.RoleServer, "BB", seg)
	}

	other, _ := frag.Fragment(data, 20, 7, 9, false)
	for _, seg := range other {
		a.receive(radio.RoleServer, "BB", seg)
	}

	if len(rec.packets) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(rec.packets))
	}
	if want := (Endpoint{Address: "BB", Port: 7}); rec.packets[0] != want {
		t.Errorf("endpoint = %+v, want %+v", rec.packets[0], want)
	}
	if !bytes.Equal(rec.data[0], data) {
		t.Errorf("delivered data mismatch")
	}
	if got := a.Statistics(radio.RoleServer).GetFiltered(); got != uint64(len(other)) {
		t.Errorf("Filtered = %d, want %d", got, len(other))
	}
}

func TestSecureRoundTrip(t *testing.T) {
	hook := &xorHook{}
	a, r, rec := newSyncAdapter(t, syncConfig(), WithSecureHook(hook))
	a.RequestListen()
	a.RequestDiscover()

	data := []byte("confidential request body")
	ep := &Endpoint{Address: "AA", Port: 1, Secure: true}
	if _, err := a.SendMessage(ep, data, DataRequest); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	sent := r.Sent()
	var wire []byte
	for i, f := range sent {
		if f.data[1]&0x80 == 0 {
			t.Errorf("segment %d: secure flag not set", i)
		}
		hdr := frag.HeaderSize
		if i == 0 {
			hdr = frag.StartHeaderSize
		}
		wire = append(wire, f.data[hdr:]...)
	}
	if bytes.Contains(wire, data) {
		t.Errorf("plaintext visible on the wire")
	}

	// reflect the segments back into the server role
	for _, f := range sent {
		a.receive(radio.RoleServer, "AA", f.data)
	}
	if len(rec.packets) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(rec.packets))
	}
	if !rec.packets[0].Secure {
		t.Errorf("delivered endpoint not marked secure")
	}
	if !bytes.Equal(rec.data[0], data) {
		t.Errorf("decrypted data = %q, want %q", rec.data[0], data)
	}
}

func TestSecureReceiveWithoutHookDropped(t *testing.T) {
	a, _, rec := newSyncAdapter(t, syncConfig())
	a.RequestListen()

	segments, _ := frag.Fragment([]byte("secret"), 20, 3, 1, true)
	for _, seg := range segments {
		a.receive(radio.RoleServer, "BB", seg)
	}
	if len(rec.packets) != 0 {
		t.Errorf("delivered %d messages, want 0", len(rec.packets))
	}
}

func TestDisconnectPurgesReassembly(t *testing.T) {
	hook := &xorHook{}
	a, _, rec := newSyncAdapter(t, syncConfig(), WithSecureHook(hook))
	a.RequestDiscover()

	start := func(port uint8) []byte {
		segments, _ := frag.Fragment(payload(100), 20, port, 1, false)
		return segments[0]
	}
	a.receive(radio.RoleClient, "AA:BB:CC:DD:EE:FF", start(5))
	a.receive(radio.RoleClient, "AA:BB:CC:DD:EE:FF", start(9))
	a.receive(radio.RoleClient, "11:22:33:44:55:66", start(5))

	rs := a.roles[radio.RoleClient]
	if got := rs.reassembler.Pending(); got != 3 {
		t.Fatalf("Pending() = %d, want 3", got)
	}

	a.NotifyConnectionChanged("AA:BB:CC:DD:EE:FF", false)

	if got := rs.reassembler.Pending(); got != 1 {
		t.Errorf("Pending() after disconnect = %d, want 1", got)
	}
	if !reflect.DeepEqual(hook.closed, []string{"AA:BB:CC:DD:EE:FF"}) {
		t.Errorf("closed sessions = %v", hook.closed)
	}
	if !reflect.DeepEqual(rec.conns, []string{"-AA:BB:CC:DD:EE:FF"}) {
		t.Errorf("connection callbacks = %v", rec.conns)
	}
	if got := a.Statistics(radio.RoleClient).PurgedReassemblies; got != 2 {
		t.Errorf("PurgedReassemblies = %d, want 2", got)
	}
}

func TestClosedAdapter(t *testing.T) {
	a, _, _ := newSyncAdapter(t, syncConfig())
	a.RequestListen()

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := a.Mode(); got != ModeEmpty {
		t.Errorf("Mode() after Close = %v, want %v", got, ModeEmpty)
	}
	if err := a.RequestListen(); !errors.Is(err, ErrClosed) {
		t.Errorf("RequestListen() error = %v, want ErrClosed", err)
	}
	if _, err := a.SendMessage(&Endpoint{Address: "AA", Port: 1}, []byte("x"), DataRequest); !errors.Is(err, ErrClosed) {
		t.Errorf("SendMessage() error = %v, want ErrClosed", err)
	}
	if err := a.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() error = %v, want ErrClosed", err)
	}
}

func TestReceiveRejectedSegmentCounted(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	a, _, rec := newSyncAdapter(t, syncConfig(), WithLogger(logger.NewZapLogger(zap.New(core), logger.LevelDebug)))
	a.RequestListen()

	segments, err := frag.Fragment(payload(75), 20, 7, 1, false)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	// continuation without a start segment
	a.receive(radio.RoleServer, "BB", segments[1])

	if len(rec.packets) != 0 {
		t.Errorf("delivered %d messages, want 0", len(rec.packets))
	}
	if got := a.Statistics(radio.RoleServer).OrphanSegments; got != 1 {
		t.Errorf("OrphanSegments = %d, want 1", got)
	}
	if got := logs.FilterMessageSnippet("dropped").Len(); got != 1 {
		t.Errorf("drop log entries = %d, want 1", got)
	}
}
