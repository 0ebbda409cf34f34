package base

import "bytes"

// Collation orders index keys. Compare follows the usual contract:
// negative when a sorts before b, zero when equal, positive otherwise.
type Collation struct {
	Name    string
	Compare func(a, b []byte) int
}

var (
	// CollBinary compares keys as raw bytes.
	CollBinary = &Collation{Name: "BINARY", Compare: bytes.Compare}

	// CollNoCase folds ASCII upper case before comparing.
	CollNoCase = &Collation{Name: "NOCASE", Compare: compareNoCase}

	// CollRTrim ignores trailing ASCII spaces.
	CollRTrim = &Collation{Name: "RTRIM", Compare: compareRTrim}
)

func foldASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

func compareNoCase(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ca, cb := foldASCII(a[i]), foldASCII(b[i])
		if ca != cb {
			return int(ca) - int(cb)
		}
	}
	return len(a) - len(b)
}

func compareRTrim(a, b []byte) int {
	for len(a) > 0 && a[len(a)-1] == ' ' {
		a = a[:len(a)-1]
	}
	for len(b) > 0 && b[len(b)-1] == ' ' {
		b = b[:len(b)-1]
	}
	return bytes.Compare(a, b)
}

// KeyInfo carries the collation used by an index tree. A nil KeyInfo
// or nil collation means binary order.
type KeyInfo struct {
	Coll *Collation
}

// Cmp compares two index keys under the configured collation.
func (k *KeyInfo) Cmp(a, b []byte) int {
	if k == nil || k.Coll == nil {
		return bytes.Compare(a, b)
	}
	return k.Coll.Compare(a, b)
}
