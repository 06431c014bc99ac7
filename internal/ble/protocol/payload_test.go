package protocol

import (
	"bytes"
	"testing"
)

func TestMarshalCounterLittleEndian(t *testing.T) {
	got := MarshalCounter(0x01020304)
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalCounter(0x01020304) = % x, want % x", got, want)
	}
}

func TestMarshalCounterSmallValues(t *testing.T) {
	tests := []struct {
		n    uint32
		want []byte
	}{
		{0, []byte{0, 0, 0, 0}},
		{1, []byte{1, 0, 0, 0}},
		{256, []byte{0, 1, 0, 0}},
		{0xffffffff, []byte{0xff, 0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		got := MarshalCounter(tt.n)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("MarshalCounter(%d) = % x, want % x", tt.n, got, tt.want)
		}
	}
}

func TestUnmarshalCounter(t *testing.T) {
	n, err := UnmarshalCounter([]byte{3, 0, 0, 0})
	if err != nil {
		t.Fatalf("UnmarshalCounter() error = %v", err)
	}
	if n != 3 {
		t.Errorf("UnmarshalCounter() = %d, want 3", n)
	}
}

func TestUnmarshalCounterBadLength(t *testing.T) {
	for _, data := range [][]byte{nil, {1}, {1, 2, 3}, {1, 2, 3, 4, 5}} {
		if _, err := UnmarshalCounter(data); err == nil {
			t.Errorf("UnmarshalCounter(% x) should fail", data)
		}
	}
}

func TestReadPayload(t *testing.T) {
	if ReadPayload != "test send/read from server" {
		t.Errorf("ReadPayload = %q", ReadPayload)
	}
}

func TestPrintable(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"plain text", []byte("hello"), "hello"},
		{"empty", nil, ""},
		{"control chars escaped", []byte("a\nb"), `a\x0ab`},
		{"invalid utf8 as hex", []byte{0xff, 0xfe}, "ff fe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Printable(tt.in); got != tt.want {
				t.Errorf("Printable(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
