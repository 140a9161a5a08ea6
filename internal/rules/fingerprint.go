package rules

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"chainWatchdog/internal/model"
)

// fingerprint hashes what makes two findings of one rule on one contract the
// same observation: chain, event kind, decoded fields and the rendered message.
// Block, transaction and timestamps are not part of it.
func fingerprint(event model.NormalizedEvent, message string) string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], event.ChainID)
	h.Write(buf[:])
	h.Write([]byte(event.Kind))
	h.Write([]byte{0})

	names := make([]string, 0, len(event.Fields))
	for name := range event.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(event.Fields[name].String()))
		h.Write([]byte{0})
	}
	h.Write([]byte(message))

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
