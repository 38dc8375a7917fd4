package envelope

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []Envelope{
		{Direction: Incoming, Service: "svc", Payload: []byte("hello")},
		{Direction: Incoming, Service: "orders", Namespace: "default", Payload: []byte("ping")},
		{Direction: Outgoing, Service: "orders", Namespace: "prod", Payload: []byte("pong")},
		{Direction: Outgoing, Service: "bin", Payload: []byte{0x00, ':', 0xff, '.'}},
		{Direction: Incoming, Service: "empty", Namespace: "ns", Payload: []byte{}},
	}
	for _, want := range tests {
		msg, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", want, err)
		}
		got, err := Decode(msg)
		if err != nil {
			t.Fatalf("Decode(Encode(%+v)): %v", want, err)
		}
		if got.Direction != want.Direction {
			t.Errorf("Direction = %s, want %s", got.Direction, want.Direction)
		}
		if got.Service != want.Service || got.Namespace != want.Namespace {
			t.Errorf("target = %q/%q, want %q/%q", got.Service, got.Namespace, want.Service, want.Namespace)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("Payload = %q, want %q", got.Payload, want.Payload)
		}
	}
}

func TestEncodeIncomingIsUntagged(t *testing.T) {
	got, err := Encode(Envelope{Direction: Incoming, Service: "orders", Namespace: "default", Payload: []byte("ping")})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "orders.default:ping" {
		t.Errorf("Encode = %q, want %q", got, "orders.default:ping")
	}
	got, err = Encode(Envelope{Direction: Outgoing, Service: "orders", Payload: []byte("pong")})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "out/orders:pong" {
		t.Errorf("Encode = %q, want %q", got, "out/orders:pong")
	}
}

func TestEncodeRejectsAmbiguousNames(t *testing.T) {
	tests := []Envelope{
		{Direction: Incoming, Service: "a:b", Payload: []byte("x")},
		{Direction: Incoming, Service: "a.b", Payload: []byte("x")},
		{Direction: Incoming, Service: "a/b", Payload: []byte("x")},
		{Direction: Outgoing, Service: "", Payload: []byte("x")},
		{Direction: Incoming, Service: "svc", Namespace: "ns:x", Payload: []byte("x")},
		{Direction: Incoming, Service: "svc", Namespace: "ns/x", Payload: []byte("x")},
	}
	for _, env := range tests {
		if msg, err := Encode(env); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Encode(%q/%q) = %q, %v; want ErrInvalidName", env.Service, env.Namespace, msg, err)
		}
	}

	// A dotted namespace splits on the first '.', so it survives.
	msg, err := Encode(Envelope{Direction: Incoming, Service: "svc", Namespace: "a.b", Payload: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	env, err := Decode(msg)
	if err != nil || env.Service != "svc" || env.Namespace != "a.b" {
		t.Errorf("Decode(%q) = %+v, %v", msg, env, err)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		in      string
		dir     Direction
		service string
		ns      string
		payload string
	}{
		{"orders.default:ping", Incoming, "orders", "default", "ping"},
		{"in/orders.default:ping", Incoming, "orders", "default", "ping"},
		{"out/orders.default:pong", Outgoing, "orders", "default", "pong"},
		{"bogus/orders.default:x", Unknown, "orders", "default", "x"},
		{"svc:a:b:c", Incoming, "svc", "", "a:b:c"},
		{":payload", Unknown, "", "", "payload"},
		{".ns:payload", Unknown, "", "ns", "payload"},
		{"unknown.ns:x", Incoming, "unknown", "ns", "x"},
	}
	for _, tt := range tests {
		env, err := Decode([]byte(tt.in))
		if err != nil {
			t.Errorf("Decode(%q): %v", tt.in, err)
			continue
		}
		if env.Direction != tt.dir {
			t.Errorf("Decode(%q).Direction = %s, want %s", tt.in, env.Direction, tt.dir)
		}
		if env.Service != tt.service || env.Namespace != tt.ns {
			t.Errorf("Decode(%q) target = %q/%q, want %q/%q", tt.in, env.Service, env.Namespace, tt.service, tt.ns)
		}
		if string(env.Payload) != tt.payload {
			t.Errorf("Decode(%q).Payload = %q, want %q", tt.in, env.Payload, tt.payload)
		}
	}
}

func TestDecodeMissingDelimiter(t *testing.T) {
	_, err := Decode([]byte("no delimiter here"))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
	if _, err := Decode(nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("nil input err = %v, want ErrMalformed", err)
	}
}

func TestTarget(t *testing.T) {
	if got := (Envelope{Service: "a", Namespace: "b"}).Target(); got != "a.b" {
		t.Errorf("Target = %q, want a.b", got)
	}
	if got := (Envelope{Service: "a"}).Target(); got != "a" {
		t.Errorf("Target = %q, want a", got)
	}
}
