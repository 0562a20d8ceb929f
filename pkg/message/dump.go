package message

import (
	"fmt"
	"strings"
)

// Dump renders raw frame bytes for logging: printable ASCII bytes
// (32-126) are emitted as-is, every other byte as <HH> with two
// uppercase hex digits, preserving byte count and order.
func Dump(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c >= 32 && c <= 126 {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "<%02X>", c)
		}
	}
	return sb.String()
}
