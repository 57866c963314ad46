package buf

// Iov is a scatter/gather list.
type Iov = [][]byte

// Len returns the total number of bytes in iov.
func Len(iov Iov) uint64 {
	var n uint64
	for _, b := range iov {
		n += uint64(len(b))
	}
	return n
}

// Flatten copies iov into one contiguous slice.
func Flatten(iov Iov) []byte {
	if len(iov) == 1 {
		return iov[0]
	}
	p := make([]byte, 0, Len(iov))
	for _, b := range iov {
		p = append(p, b...)
	}
	return p
}

// Scatter copies src into the buffers of iov in order and returns the
// number of bytes copied.
func Scatter(src []byte, iov Iov) uint64 {
	var n uint64
	for _, b := range iov {
		if len(src) == 0 {
			break
		}
		c := copy(b, src)
		src = src[c:]
		n += uint64(c)
	}
	return n
}
