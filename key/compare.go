package key

import "bytes"

// compareDimRaw implements the dim-level compare of spec §4.2: lexicographic
// memcmp up to the shorter length, shorter-is-less on equal prefixes, and
// the NEXT-flag tie-break when payload bytes are fully identical.
func compareDimRaw(a []byte, aNext bool, b []byte, bNext bool) int {
	c := bytes.Compare(a, b)
	if c != 0 {
		return c
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	// Fully equal payload; break the tie on the NEXT marker.
	if aNext && bNext {
		panic("key: both operands carry the NEXT flag on an otherwise-identical dimension")
	}
	if aNext {
		return 1
	}
	if bNext {
		return -1
	}
	return 0
}

// Compare implements the key-level compare of spec §4.2: dim counts must
// match (a schema violation otherwise — a programmer error, not a data
// error, so it panics per the design notes' precondition-bug class), then
// dims are compared left-to-right and the first nonzero result wins.
func Compare(a, b BtreeKey) int {
	c, _ := compareWalk(a, b)
	return c
}

// compareWalk returns (sign, dim) where dim is the first dimension whose
// comparison was nonzero, or (0, -1) if every dimension compared equal.
func compareWalk(a, b BtreeKey) (int, int) {
	na, nb := a.NDims(), b.NDims()
	if na != nb {
		panic("key: dim count mismatch between keys of the same schema")
	}
	for i := 0; i < na; i++ {
		c := compareDimRaw(a.DimBytes(i), a.DimNext(i), b.DimBytes(i), b.DimNext(i))
		if c != 0 {
			return c, i
		}
	}
	return 0, -1
}

// compareAgainstObject compares an encoded B-tree key against a plain
// object key dimension-by-dimension (the object key never carries NEXT).
func compareAgainstObject(a BtreeKey, o ObjectKey) (int, int) {
	n := a.NDims()
	if n != len(o.Dims) {
		panic("key: dim count mismatch comparing against object key bound")
	}
	for i := 0; i < n; i++ {
		c := compareDimRaw(a.DimBytes(i), a.DimNext(i), o.Dims[i], false)
		if c != 0 {
			return c, i
		}
	}
	return 0, -1
}

// BoundsCheck implements spec §4.2 Bounds check: walk dims of k against the
// closed hyper-rectangle [start, end]; returns (-1, dim) for the first dim
// where k < start, (+1, dim) for the first dim where k > end, else (0, -1).
func BoundsCheck(k BtreeKey, start, end ObjectKey) (delta int, dim int) {
	n := k.NDims()
	if n != len(start.Dims) || n != len(end.Dims) {
		panic("key: dim count mismatch comparing against object key bound")
	}
	for i := 0; i < n; i++ {
		if compareDimRaw(k.DimBytes(i), k.DimNext(i), start.Dims[i], false) < 0 {
			return -1, i
		}
		if compareDimRaw(k.DimBytes(i), k.DimNext(i), end.Dims[i], false) > 0 {
			return 1, i
		}
	}
	return 0, -1
}

// BuildSkipKey implements spec §4.2 Skip-key construction: given the old
// B-tree key k, the range's start object key s, the offending dimension d
// (from BoundsCheck) and its direction delta, build a new key reusing k's
// first d dims byte-for-byte and s's dims [d, N). When delta is +1, the
// dimension at d is marked NEXT so the inner iterator's skip() resumes past
// every key whose dims [0, d) are k's and whose dim d equals s's dim d.
func BuildSkipKey(k BtreeKey, s ObjectKey, d int, delta int) (BtreeKey, error) {
	n := k.NDims()
	if n != len(s.Dims) {
		panic("key: dim count mismatch building skip key")
	}
	if d < 0 || d >= n {
		panic("key: offending dim out of range")
	}
	dims := make([][]byte, n)
	for i := 0; i < d; i++ {
		dims[i] = append([]byte(nil), k.DimBytes(i)...)
	}
	for i := d; i < n; i++ {
		dims[i] = append([]byte(nil), s.Dims[i]...)
	}
	encoded, err := Encode(ObjectKey{Dims: dims})
	if err != nil {
		return BtreeKey{}, err
	}
	if delta > 0 {
		encoded = setDimFlag(encoded, d, FlagNext)
	}
	return encoded, nil
}

func setDimFlag(k BtreeKey, dim int, flag uint8) BtreeKey {
	buf := append([]byte(nil), k.buf...)
	off := fixedHeaderSize + dim*dimHeadSize
	word := uint32(0)
	for i := 0; i < 4; i++ {
		word = word<<8 | uint32(buf[off+i])
	}
	word |= uint32(flag)
	for i := 3; i >= 0; i-- {
		buf[off+i] = byte(word)
		word >>= 8
	}
	return BtreeKey{buf: buf}
}
