package secure

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"avaneesh/blefrag/pkg/leadapter"
	"avaneesh/blefrag/pkg/radio"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func mustHook(t *testing.T, config Config) *Hook {
	t.Helper()
	h, err := New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func TestNewRejectsKeySize(t *testing.T) {
	if _, err := New(Config{Key: []byte("short")}); !errors.Is(err, ErrKeySize) {
		t.Errorf("New() error = %v, want ErrKeySize", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	h := mustHook(t, Config{Key: testKey(7)})
	ep := leadapter.Endpoint{Address: "AA", Port: 1, Secure: true}
	msg := []byte("GET /oic/res")

	sealed, err := h.Encrypt(ep, msg)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if len(sealed) != len(msg)+Overhead {
		t.Errorf("len(sealed) = %d, want %d", len(sealed), len(msg)+Overhead)
	}
	again, _ := h.Encrypt(ep, msg)
	if bytes.Equal(sealed, again) {
		t.Errorf("two encryptions produced the same output")
	}

	plain, err := h.Decrypt(ep, sealed)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(plain, msg) {
		t.Errorf("Decrypt() = %q, want %q", plain, msg)
	}
}

func TestDecryptRejects(t *testing.T) {
	h := mustHook(t, Config{Key: testKey(7)})
	other := mustHook(t, Config{Key: testKey(8)})
	ep := leadapter.Endpoint{Address: "AA", Port: 1, Secure: true}
	sealed, _ := h.Encrypt(ep, []byte("payload"))

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 1

	tests := []struct {
		name string
		hook *Hook
		data []byte
	}{
		{"tampered", h, tampered},
		{"wrong key", other, sealed},
		{"short", h, sealed[:Overhead-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.hook.Decrypt(ep, tt.data); !errors.Is(err, ErrDecrypt) {
				t.Errorf("Decrypt() error = %v, want ErrDecrypt", err)
			}
		})
	}
}

func TestLinkKeys(t *testing.T) {
	a := mustHook(t, Config{Key: testKey(1), LocalAddress: "AA"})
	b := mustHook(t, Config{Key: testKey(1), LocalAddress: "BB"})
	c := mustHook(t, Config{Key: testKey(1), LocalAddress: "CC"})

	sealed, err := a.Encrypt(leadapter.Endpoint{Address: "BB"}, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if plain, err := b.Decrypt(leadapter.Endpoint{Address: "AA"}, sealed); err != nil || string(plain) != "hello" {
		t.Errorf("peer Decrypt() = %q, %v", plain, err)
	}
	// C claims to be B but derives the C|A key
	if _, err := c.Decrypt(leadapter.Endpoint{Address: "AA"}, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("third party Decrypt() error = %v, want ErrDecrypt", err)
	}
}

func TestCloseSession(t *testing.T) {
	h := mustHook(t, Config{Key: testKey(3)})
	h.Encrypt(leadapter.Endpoint{Address: "AA"}, []byte("x"))
	h.Encrypt(leadapter.Endpoint{Address: "BB"}, []byte("x"))
	if got := h.Sessions(); got != 2 {
		t.Fatalf("Sessions() = %d, want 2", got)
	}
	h.CloseSession("AA")
	h.CloseSession("unknown")
	if got := h.Sessions(); got != 1 {
		t.Errorf("Sessions() = %d, want 1", got)
	}
}

func TestSecureAdapterExchange(t *testing.T) {
	hub := radio.NewHub(nil)
	packets := make(chan []byte, 4)

	start := func(address string, cb leadapter.Callbacks) *leadapter.Adapter {
		r, err := hub.NewRadio(address)
		if err != nil {
			t.Fatalf("NewRadio() error = %v", err)
		}
		hook := mustHook(t, Config{Key: testKey(9), LocalAddress: address})
		cfg := leadapter.DefaultConfig()
		cfg.Synchronous = false
		a, err := leadapter.New(cfg, r, cb, leadapter.WithSecureHook(hook))
		if err != nil {
			t.Fatalf("leadapter.New() error = %v", err)
		}
		a.Start()
		t.Cleanup(func() {
			a.Close()
			r.Close()
		})
		return a
	}

	server := start("AA", leadapter.CallbackFuncs{
		Packet: func(ep leadapter.Endpoint, data []byte) {
			if ep.Secure {
				packets <- data
			}
		},
	})
	client := start("BB", nil)
	server.RequestListen()
	client.RequestDiscover()

	// the client may start before the link is up; retry until delivered
	msg := bytes.Repeat([]byte("secret "), 20)
	deadline := time.After(2 * time.Second)
	for {
		client.SendMessage(&leadapter.Endpoint{Address: "AA", Port: 1, Secure: true}, msg, leadapter.DataRequest)
		select {
		case got := <-packets:
			if !bytes.Equal(got, msg) {
				t.Errorf("server received %q, want %q", got, msg)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for the secure message")
		}
	}
}
