package benchmark

import "zkbenchmarker/config"

// ChunkSpec is a self-contained slice of a run's children, small enough for one worker.
type ChunkSpec struct {
	ID           int    `json:"id"`
	Count        int    `json:"count"`
	Offset       int    `json:"offset"` // fixed names of this chunk start at Offset+1
	FixedName    string `json:"fixedName,omitempty"`
	MinNameLen   int    `json:"minNameLen,omitempty"`
	MaxNameLen   int    `json:"maxNameLen,omitempty"`
	PayloadBytes int    `json:"payloadBytes"`
}

// Partition splits total into ceil(total/chunkSize) sizes, each at most chunkSize, with
// only the last one possibly smaller. A total of zero gives no chunks.
func Partition(total, chunkSize int) []int {
	if total <= 0 || chunkSize <= 0 {
		return nil
	}
	sizes := make([]int, 0, (total+chunkSize-1)/chunkSize)
	for rem := total; rem > 0; rem -= chunkSize {
		sizes = append(sizes, min(rem, chunkSize))
	}
	return sizes
}

// ChunkSpecs partitions spec and attaches the generation parameters to every chunk.
func ChunkSpecs(spec config.ChildNodeSpec, chunkSize int) []ChunkSpec {
	sizes := Partition(spec.Count, chunkSize)
	chunks := make([]ChunkSpec, len(sizes))
	offset := 0
	for i, size := range sizes {
		chunks[i] = ChunkSpec{
			ID:           i,
			Count:        size,
			Offset:       offset,
			FixedName:    spec.FixedName,
			MinNameLen:   spec.MinNameLen,
			MaxNameLen:   spec.MaxNameLen,
			PayloadBytes: spec.PayloadBytes,
		}
		offset += size
	}
	return chunks
}
