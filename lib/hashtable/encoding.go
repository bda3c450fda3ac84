package hashtable

import (
	"encoding/hex"
)

// BitAt returns bit i of data, counting from the most significant bit of the first byte.
func BitAt(data []byte, i int) int {
	return int(data[i>>3]>>(7-(i&7))) & 1
}

// Bin renders data as one '0' or '1' character per bit, most significant bit first.
func Bin(data []byte) string {
	out := make([]byte, len(data)*8)
	for i := range out {
		if BitAt(data, i) == 1 {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}

// Hex renders data as two lowercase hex digits per byte, high nibble first.
func Hex(data []byte) string {
	return hex.EncodeToString(data)
}
