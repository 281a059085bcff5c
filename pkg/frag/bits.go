package frag

// Bit fields are addressed by the position of their most significant bit
// (7 is the MSB of the byte) and their width. A field at pos 6 with n 7
// covers bits 6..0.

// SetBits writes the low n bits of v into the field of *b whose MSB is at pos.
// Bits outside the field are preserved.
func SetBits(b *byte, pos, n uint, v uint8) error {
	if b == nil || pos > 7 || n == 0 || n > pos+1 {
		return ErrInvalidParam
	}
	shift := pos + 1 - n
	mask := byte((1<<n)-1) << shift
	*b = (*b &^ mask) | ((v << shift) & mask)
	return nil
}

// GetBits reads the field of b whose MSB is at pos and which is n bits wide.
func GetBits(b byte, pos, n uint) (uint8, error) {
	if pos > 7 || n == 0 || n > pos+1 {
		return 0, ErrInvalidParam
	}
	shift := pos + 1 - n
	return (b >> shift) & byte((1<<n)-1), nil
}
