package benchmark

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"

	"github.com/thanhpk/randstr"
)

// NameAlphabet is the character set of randomly generated node names.
const NameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_"

// GeneratedNode is one child to create: its name under the parent and its payload.
type GeneratedNode struct {
	Name    string
	Payload []byte
}

// NodeGenerator lazily yields the nodes of one chunk. It is single-use: once Next has
// returned false it keeps returning false, and it must not be shared between workers.
// Each chunk builds its own generator.
type NodeGenerator struct {
	spec    ChunkSpec
	emitted int
}

// NewNodeGenerator returns a fresh generator for spec.
func NewNodeGenerator(spec ChunkSpec) *NodeGenerator {
	return &NodeGenerator{spec: spec}
}

// Next produces the next node, or false when the chunk is exhausted.
func (g *NodeGenerator) Next() (GeneratedNode, bool) {
	if g.emitted >= g.spec.Count {
		return GeneratedNode{}, false
	}
	g.emitted++

	var name string
	if g.spec.FixedName != "" {
		name = fmt.Sprintf("%s_%d", g.spec.FixedName, g.spec.Offset+g.emitted)
	} else {
		size := g.spec.MinNameLen
		if span := g.spec.MaxNameLen - g.spec.MinNameLen; span > 1 {
			size += mrand.IntN(span)
		}
		name = randstr.String(size, NameAlphabet)
	}

	payload := make([]byte, g.spec.PayloadBytes)
	_, _ = rand.Read(payload)
	return GeneratedNode{Name: name, Payload: payload}, true
}

// Remaining is the number of nodes not yet produced.
func (g *NodeGenerator) Remaining() int {
	return g.spec.Count - g.emitted
}
