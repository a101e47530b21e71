package domain

import (
	"hash/fnv"
	"strconv"
)

// HashParts produces the stable content hash used for workflow, node
// and resource identity: FNV-64a over the parts joined with a unit
// separator, rendered as a decimal string.
func HashParts(parts ...string) string {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0x1f})
		}
		_, _ = h.Write([]byte(p))
	}
	return strconv.FormatUint(h.Sum64(), 10)
}
