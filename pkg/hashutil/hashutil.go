// Package hashutil provides deterministic content-addressed identifiers.
package hashutil

import (
	"crypto/md5"
	"encoding/hex"
)

// Hash returns prefix + hex(md5(text)), deterministic across platforms and
// processes. It is the identity function for chunks, entities, and facts
// (see the Chunk/Phrase/Triple identity rules).
func Hash(text, prefix string) string {
	sum := md5.Sum([]byte(text))
	return prefix + hex.EncodeToString(sum[:])
}

// ChunkID returns the identity of a passage chunk: "chunk-<md5(text)>".
func ChunkID(text string) string {
	return Hash(text, "chunk-")
}

// EntityID returns the identity of a phrase/entity node from its already
// text-processed form: "entity-<md5(processed)>".
func EntityID(processed string) string {
	return Hash(processed, "entity-")
}

// FactID returns the identity of a fact from its stringified triple:
// "fact-<md5(stringified)>".
func FactID(stringified string) string {
	return Hash(stringified, "fact-")
}
