package ak

import "strconv"

// Comparator orders two keys for one AK index, per spec.md §4.6.
type Comparator func(a, b []byte) int

// NewComparator builds the comparator for an index's right_justified and
// case_insensitive flags.
func NewComparator(rightJustified, caseInsensitive bool) Comparator {
	return func(a, b []byte) int {
		if rightJustified {
			if ai, aok := parseInt(a); aok {
				if bi, bok := parseInt(b); bok {
					switch {
					case ai < bi:
						return -1
					case ai > bi:
						return 1
					default:
						return 0
					}
				}
			}
			a, b = padLeft(a, b), padLeft(b, a)
		}
		return compareBytes(a, b, caseInsensitive)
	}
}

func parseInt(b []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	return n, err == nil
}

// padLeft pads a with leading spaces to the length of the longer of a
// and other, per spec.md §4.6: "right-justified and lengths differ,
// left-pad the shorter with spaces".
func padLeft(a, other []byte) []byte {
	if len(a) >= len(other) {
		return a
	}
	out := make([]byte, len(other))
	pad := len(other) - len(a)
	for i := 0; i < pad; i++ {
		out[i] = ' '
	}
	copy(out[pad:], a)
	return out
}

func compareBytes(a, b []byte, caseInsensitive bool) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ca, cb := a[i], b[i]
		if caseInsensitive {
			ca, cb = upper(ca), upper(cb)
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}
