package leadapter

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"avaneesh/blefrag/pkg/frag"
	"avaneesh/blefrag/pkg/internal/logger"
	"avaneesh/blefrag/pkg/radio"
)

type sentFrame struct {
	role    radio.Role
	address string
	data    []byte
}

// fakeRadio records every call. failAt makes the n-th send (1-based) fail.
type fakeRadio struct {
	mu       sync.Mutex
	enabled  bool
	calls    []string
	startErr error
	failAt   int
	sends    int
	sent     []sentFrame
	mtu      map[string]int
	handler  radio.EventHandler
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{enabled: true, mtu: make(map[string]int)}
}

func (f *fakeRadio) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRadio) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRadio) Sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

func (f *fakeRadio) StartGattServer() error {
	f.record("start-server")
	return f.startErr
}

func (f *fakeRadio) StopGattServer() error {
	f.record("stop-server")
	return nil
}

func (f *fakeRadio) StartGattClient() error {
	f.record("start-client")
	return f.startErr
}

func (f *fakeRadio) StopGattClient() error {
	f.record("stop-client")
	return nil
}

func (f *fakeRadio) IsAdapterEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeRadio) setEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *fakeRadio) send(role radio.Role, address string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.failAt > 0 && f.sends == f.failAt {
		return errors.New("link lost")
	}
	f.sent = append(f.sent, sentFrame{role: role, address: address, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeRadio) SendToClient(ctx context.Context, address string, data []byte) error {
	return f.send(radio.RoleServer, address, data)
}

func (f *fakeRadio) SendToServer(ctx context.Context, address string, data []byte) error {
	return f.send(radio.RoleClient, address, data)
}

func (f *fakeRadio) LocalAddress() (string, error) {
	return "11:22:33:44:55:66", nil
}

func (f *fakeRadio) SetEventHandler(handler radio.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeRadio) Statistics() radio.LinkStats {
	return radio.LinkStats{}
}

func (f *fakeRadio) Close() error {
	return nil
}

func (f *fakeRadio) MTU(address string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mtu, ok := f.mtu[address]
	return mtu, ok
}

type recorder struct {
	mu      sync.Mutex
	packets []Endpoint
	data    [][]byte
	errs    []error
	errData [][]byte
	power   []bool
	conns   []string
}

func (r *recorder) callbacks() Callbacks {
	return CallbackFuncs{
		Packet: func(ep Endpoint, data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.packets = append(r.packets, ep)
			r.data = append(r.data, data)
		},
		Error: func(ep Endpoint, data []byte, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
			r.errData = append(r.errData, data)
		},
		Adapter: func(enabled bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.power = append(r.power, enabled)
		},
		Connection: func(address string, connected bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if connected {
				r.conns = append(r.conns, "+"+address)
			} else {
				r.conns = append(r.conns, "-"+address)
			}
		},
	}
}

func syncConfig() Config {
	cfg := DefaultConfig()
	cfg.Synchronous = true
	return cfg
}

func newSyncAdapter(t *testing.T, cfg Config, opts ...Option) (*Adapter, *fakeRadio, *recorder) {
	t.Helper()
	r := newFakeRadio()
	rec := &recorder{}
	a, err := New(cfg, r, rec.callbacks(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, r, rec
}

func TestModeTransitions(t *testing.T) {
	tests := []struct {
		from                   Mode
		listen, discover       Mode
		stopServer, stopClient Mode
	}{
		{ModeEmpty, ModeServer, ModeClient, ModeEmpty, ModeEmpty},
		{ModeServer, ModeServer, ModeBoth, ModeEmpty, ModeServer},
		{ModeClient, ModeBoth, ModeClient, ModeClient, ModeEmpty},
		{ModeBoth, ModeBoth, ModeBoth, ModeClient, ModeServer},
	}

	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			if got := listenTransition(tt.from); got != tt.listen {
				t.Errorf("listen = %v, want %v", got, tt.listen)
			}
			if got := discoverTransition(tt.from); got != tt.discover {
				t.Errorf("discover = %v, want %v", got, tt.discover)
			}
			if got := stopServerTransition(tt.from); got != tt.stopServer {
				t.Errorf("stopServer = %v, want %v", got, tt.stopServer)
			}
			if got := stopClientTransition(tt.from); got != tt.stopClient {
				t.Errorf("stopClient = %v, want %v", got, tt.stopClient)
			}
		})
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		mode    Mode
		dt      DataType
		want    radio.Role
		wantErr error
	}{
		{ModeServer, DataRequest, radio.RoleServer, nil},
		{ModeServer, DataResponse, radio.RoleServer, nil},
		{ModeClient, DataResponse, radio.RoleClient, nil},
		{ModeBoth, DataResponse, radio.RoleServer, nil},
		{ModeBoth, DataRequest, radio.RoleClient, nil},
		{ModeBoth, DataResponseForResource, radio.RoleClient, nil},
		{ModeEmpty, DataRequest, 0, ErrNotStarted},
		{ModeBoth, DataType(7), 0, frag.ErrInvalidParam},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String()+"/"+tt.dt.String(), func(t *testing.T) {
			got, err := route(tt.mode, tt.dt)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("route() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("route() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestListenIdempotent(t *testing.T) {
	a, r, _ := newSyncAdapter(t, syncConfig())

	for i := 0; i < 2; i++ {
		if err := a.RequestListen(); err != nil {
			t.Fatalf("RequestListen() error = %v", err)
		}
	}
	if got := a.Mode(); got != ModeServer {
		t.Fatalf("Mode() = %v, want %v", got, ModeServer)
	}

	if err := a.RequestDiscover(); err != nil {
		t.Fatalf("RequestDiscover() error = %v", err)
	}
	if got := a.Mode(); got != ModeBoth {
		t.Fatalf("Mode() = %v, want %v", got, ModeBoth)
	}

	a.StopServer()
	a.StopServer()
	if got := a.Mode(); got != ModeClient {
		t.Fatalf("Mode() = %v, want %v", got, ModeClient)
	}
	a.StopClient()
	if got := a.Mode(); got != ModeEmpty {
		t.Fatalf("Mode() = %v, want %v", got, ModeEmpty)
	}

	want := []string{"start-server", "start-client", "stop-server", "stop-client"}
	if got := r.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("radio calls = %v, want %v", got, want)
	}
}

func TestDiscoverThenListenReachesBoth(t *testing.T) {
	a, _, _ := newSyncAdapter(t, syncConfig())
	a.RequestDiscover()
	a.RequestListen()
	if got := a.Mode(); got != ModeBoth {
		t.Errorf("Mode() = %v, want %v", got, ModeBoth)
	}
}

func TestDeferredRoleStart(t *testing.T) {
	r := newFakeRadio()
	r.setEnabled(false)
	rec := &recorder{}
	a, err := New(syncConfig(), r, rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()
	a.Start()

	if err := a.RequestListen(); err != nil {
		t.Fatalf("RequestListen() error = %v", err)
	}
	if got := a.Mode(); got != ModeServer {
		t.Fatalf("Mode() = %v, want %v", got, ModeServer)
	}
	if got := r.Calls(); len(got) != 0 {
		t.Fatalf("radio calls = %v, want none while disabled", got)
	}

	r.setEnabled(true)
	a.NotifyAdapterStateChanged(true)
	a.NotifyAdapterStateChanged(false)

	want := []string{"start-server", "stop-server"}
	if got := r.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("radio calls = %v, want %v", got, want)
	}
	if got := a.Mode(); got != ModeServer {
		t.Errorf("Mode() = %v after power off, want %v", got, ModeServer)
	}
	if !reflect.DeepEqual(rec.power, []bool{true, false}) {
		t.Errorf("adapter callbacks = %v, want [true false]", rec.power)
	}
}

func TestStartAppliesMode(t *testing.T) {
	r := newFakeRadio()
	a, _ := New(syncConfig(), r, nil)
	defer a.Close()

	a.RequestDiscover()
	if got := r.Calls(); len(got) != 0 {
		t.Fatalf("radio calls before Start = %v, want none", got)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.Stop()
	a.Start()

	want := []string{"start-client", "stop-client", "start-client"}
	if got := r.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("radio calls = %v, want %v", got, want)
	}
}

func TestDisableServer(t *testing.T) {
	cfg := syncConfig()
	cfg.DisableServer = true
	a, r, _ := newSyncAdapter(t, cfg)

	if err := a.RequestListen(); err != nil {
		t.Fatalf("RequestListen() error = %v", err)
	}
	if got := a.Mode(); got != ModeEmpty {
		t.Errorf("Mode() = %v, want %v", got, ModeEmpty)
	}
	if got := r.Calls(); len(got) != 0 {
		t.Errorf("radio calls = %v, want none", got)
	}
}

func TestRoleStartFailureKeepsMode(t *testing.T) {
	a, r, _ := newSyncAdapter(t, syncConfig())
	r.startErr = errors.New("no adapter")

	if err := a.RequestListen(); err == nil {
		t.Fatal("RequestListen() error = nil, want failure")
	}
	if got := a.Mode(); got != ModeEmpty {
		t.Errorf("Mode() = %v, want %v", got, ModeEmpty)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"default", func(*Config) {}, nil},
		{"mtu too small", func(c *Config) { c.MTU = 6 }, frag.ErrInvalidConfig},
		{"mtu too large", func(c *Config) { c.MTU = frag.MaxMTU + 1 }, frag.ErrInvalidConfig},
		{"port zero", func(c *Config) { c.LocalPort = 0 }, frag.ErrInvalidParam},
		{"port too large", func(c *Config) { c.LocalPort = 128 }, frag.ErrInvalidParam},
		{"negative size", func(c *Config) { c.MaxMessageSize = -1 }, frag.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSetLocalSourcePortAndMTU(t *testing.T) {
	a, _, _ := newSyncAdapter(t, syncConfig())

	if err := a.SetLocalSourcePort(0); !errors.Is(err, frag.ErrInvalidParam) {
		t.Errorf("SetLocalSourcePort(0) error = %v, want ErrInvalidParam", err)
	}
	if err := a.SetLocalSourcePort(42); err != nil {
		t.Fatalf("SetLocalSourcePort(42) error = %v", err)
	}
	ep, err := a.LocalEndpoint()
	if err != nil {
		t.Fatalf("LocalEndpoint() error = %v", err)
	}
	if ep.Port != 42 || ep.Address != "11:22:33:44:55:66" {
		t.Errorf("LocalEndpoint() = %+v", ep)
	}

	if err := a.SetMTU(2); !errors.Is(err, frag.ErrInvalidConfig) {
		t.Errorf("SetMTU(2) error = %v, want ErrInvalidConfig", err)
	}
	if err := a.SetMTU(185); err != nil {
		t.Fatalf("SetMTU(185) error = %v", err)
	}
	if got := a.MTU("any"); got != 185 {
		t.Errorf("MTU() = %d, want 185", got)
	}
}

// runTogether calls every fn on its own goroutine, released at the same time
func runTogether(fns ...func() error) []error {
	var wg sync.WaitGroup
	release := make(chan struct{})
	errs := make([]error, len(fns))
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			<-release
			errs[i] = fn()
		}(i, fn)
	}
	close(release)
	wg.Wait()
	return errs
}

func sortedCalls(r *fakeRadio, skip int) []string {
	calls := r.Calls()[skip:]
	sort.Strings(calls)
	return calls
}

func TestConcurrentListenDiscover(t *testing.T) {
	for i := 0; i < 200; i++ {
		a, r, _ := newSyncAdapter(t, syncConfig())

		for _, err := range runTogether(a.RequestListen, a.RequestDiscover) {
			if err != nil {
				t.Fatalf("iteration %d: request error = %v", i, err)
			}
		}

		if got := a.Mode(); got != ModeBoth {
			t.Fatalf("iteration %d: Mode() = %v, want %v", i, got, ModeBoth)
		}
		want := []string{"start-client", "start-server"}
		if got := sortedCalls(r, 0); !reflect.DeepEqual(got, want) {
			t.Fatalf("iteration %d: radio calls = %v, want %v", i, got, want)
		}
		a.Close()
	}
}

func TestConcurrentStopAndRequest(t *testing.T) {
	for i := 0; i < 200; i++ {
		a, r, _ := newSyncAdapter(t, syncConfig())
		if err := a.RequestListen(); err != nil {
			t.Fatalf("RequestListen() error = %v", err)
		}

		// either order ends with only the client role running
		for _, err := range runTogether(a.StopServer, a.RequestDiscover) {
			if err != nil {
				t.Fatalf("iteration %d: error = %v", i, err)
			}
		}

		if got := a.Mode(); got != ModeClient {
			t.Fatalf("iteration %d: Mode() = %v, want %v", i, got, ModeClient)
		}
		want := []string{"start-client", "stop-server"}
		if got := sortedCalls(r, 1); !reflect.DeepEqual(got, want) {
			t.Fatalf("iteration %d: radio calls = %v, want %v", i, got, want)
		}
		if a.roles[radio.RoleServer].active || !a.roles[radio.RoleClient].active {
			t.Fatalf("iteration %d: active server=%v client=%v, want false true", i,
				a.roles[radio.RoleServer].active, a.roles[radio.RoleClient].active)
		}
		a.Close()
	}
}

func TestDeferredRoleStartFailureLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	r := newFakeRadio()
	r.setEnabled(false)
	cfg := DefaultConfig()
	cfg.Synchronous = false
	a, err := New(cfg, r, nil, WithLogger(logger.NewZapLogger(zap.New(core), logger.LevelDebug)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()
	a.Start()

	if err := a.RequestListen(); err != nil {
		t.Fatalf("RequestListen() error = %v", err)
	}
	a.roles[radio.RoleServer].sender.Close()

	r.setEnabled(true)
	a.NotifyAdapterStateChanged(true)

	entries := logs.FilterLevelExact(zap.ErrorLevel).FilterMessageSnippet("not started after adapter enable").All()
	if len(entries) != 1 {
		t.Fatalf("error entries = %d, want 1", len(entries))
	}
	if a.roles[radio.RoleServer].active {
		t.Errorf("server active after failed start")
	}
	want := []string{"start-server", "stop-server"}
	if got := r.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("radio calls = %v, want %v", got, want)
	}
}
