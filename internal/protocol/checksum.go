package protocol

// Sum adds the 16-bit big-endian words of b to the one's complement
// accumulator acc. An odd trailing byte is padded with zero, so only the last
// chunk of a checksummed range may have odd length.
func Sum(b []byte, acc uint32) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		acc += uint32(b[i])<<8 | uint32(b[i+1])
		if acc > 0xffff {
			acc = acc&0xffff + acc>>16
		}
	}
	if n%2 == 1 {
		acc += uint32(b[n-1]) << 8
	}
	return acc
}

// Fold reduces acc to 16 bits.
func Fold(acc uint32) uint16 {
	for acc > 0xffff {
		acc = acc&0xffff + acc>>16
	}
	return uint16(acc)
}

// Checksum returns the RFC 1071 internet checksum over psh followed by data.
func Checksum(data, psh []byte) uint16 {
	return ^Fold(Sum(data, Sum(psh, 0)))
}

// Valid reports whether data, including its checksum field, sums to all ones.
func Valid(data, psh []byte) bool {
	return Fold(Sum(data, Sum(psh, 0))) == 0xffff
}
