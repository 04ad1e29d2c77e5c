package decl

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// ContentHash returns a hex sha256 over everything that can change the outcome
// of filtering or transforming d: its syntax, its annotation spellings and its
// resolution scope.
func ContentHash(d Declaration) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	write(string(d.Kind))
	write(d.Namespace)
	write(d.Name)
	write(d.Containing)
	write(d.TypeParameters)
	write(strconv.FormatBool(d.Partial))
	write(strconv.FormatBool(d.Broken))
	write(strconv.Itoa(d.Lists))
	for _, u := range d.Annotations {
		write(strconv.Itoa(u.List) + "/" + strconv.Itoa(u.Index))
		write(u.Spelling)
	}
	write(d.Scope)
	h.Write(d.Content)
	return hex.EncodeToString(h.Sum(nil))
}
