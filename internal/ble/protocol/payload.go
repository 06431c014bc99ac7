// Package protocol defines the byte payloads exchanged over the counter
// service: the fixed read response and the notification counter encoding.
package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ReadPayload is returned for a direct read of the read/notify characteristic.
const ReadPayload = "test send/read from server"

// CounterSize is the width of an encoded notification counter in bytes.
const CounterSize = 4

// MarshalCounter encodes n as CounterSize little-endian bytes.
func MarshalCounter(n uint32) []byte {
	buf := make([]byte, CounterSize)
	binary.LittleEndian.PutUint32(buf, n)
	return buf
}

// UnmarshalCounter decodes a notification payload produced by MarshalCounter.
func UnmarshalCounter(data []byte) (uint32, error) {
	if len(data) != CounterSize {
		return 0, fmt.Errorf("protocol: counter must be %d bytes, got %d", CounterSize, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Printable renders a client write for logging. Valid UTF-8 is returned
// as-is with control characters escaped; anything else is shown as hex.
func Printable(data []byte) string {
	if !utf8.Valid(data) {
		return fmt.Sprintf("% x", data)
	}
	var b strings.Builder
	for _, r := range string(data) {
		if r < 0x20 || r == 0x7f {
			fmt.Fprintf(&b, "\\x%02x", r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
