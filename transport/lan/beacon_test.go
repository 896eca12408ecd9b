package lan

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/opd-ai/onetoone/limits"
)

func validBeacon() beacon {
	return beacon{
		Service:  "chat",
		Key:      bytes.Repeat([]byte{7}, 32),
		Port:     4242,
		Name:     "kitchen",
		Instance: "3f1c",
	}
}

func TestBeaconRoundTrip(t *testing.T) {
	want := validBeacon()
	data, err := encodeBeacon(want)
	if err != nil {
		t.Fatalf("encodeBeacon failed: %v", err)
	}
	if len(data) > limits.MaxBeaconSize {
		t.Fatalf("beacon is %d bytes, limit %d", len(data), limits.MaxBeaconSize)
	}

	got, err := decodeBeacon(data)
	if err != nil {
		t.Fatalf("decodeBeacon failed: %v", err)
	}
	if got.Service != want.Service || got.Port != want.Port || got.Name != want.Name || got.Instance != want.Instance {
		t.Errorf("decodeBeacon = %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.Key, want.Key) {
		t.Errorf("key = %x, want %x", got.Key, want.Key)
	}
}

func TestBeaconEncodingIsStable(t *testing.T) {
	a, err := encodeBeacon(validBeacon())
	if err != nil {
		t.Fatal(err)
	}
	b, err := encodeBeacon(validBeacon())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("encoding the same beacon twice produced different bytes")
	}
}

func TestEncodeBeaconValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*beacon)
	}{
		{"missing service", func(b *beacon) { b.Service = "" }},
		{"short key", func(b *beacon) { b.Key = b.Key[:31] }},
		{"missing port", func(b *beacon) { b.Port = 0 }},
		{"long name", func(b *beacon) { b.Name = strings.Repeat("n", limits.MaxDisplayNameLength+1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBeacon()
			tt.mutate(&b)
			if _, err := encodeBeacon(b); !errors.Is(err, errInvalidBeacon) {
				t.Errorf("encodeBeacon error = %v, want errInvalidBeacon", err)
			}
		})
	}
}

func TestDecodeBeaconRejects(t *testing.T) {
	noKey, err := encMode.Marshal(beacon{Service: "chat", Port: 1})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0x00, 0x13}},
		{"oversized", make([]byte, limits.MaxBeaconSize+1)},
		{"missing key", noKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeBeacon(tt.data); !errors.Is(err, errInvalidBeacon) {
				t.Errorf("decodeBeacon error = %v, want errInvalidBeacon", err)
			}
		})
	}
}
