package storage

import (
	"fmt"

	"meshfs/pkg/types"
)

const (
	DefaultChunkSize = 1024 * 1024      // 1MB chunks
	MinChunkSize     = 4 * 1024         // 4KB
	MaxChunkSize     = 16 * 1024 * 1024 // 16MB

	DefaultFanout = 1024
	MinFanout     = 2
)

// EncodedObject is an object ready to be written to a backend.
type EncodedObject struct {
	Address types.Address
	Raw     []byte
}

// ChunkManager splits payloads into chunks and builds the Merkle tree over them.
type ChunkManager struct {
	chunkSize int
	fanout    int
}

func NewChunkManager() *ChunkManager {
	return &ChunkManager{
		chunkSize: DefaultChunkSize,
		fanout:    DefaultFanout,
	}
}

// NewChunkManagerWithOptions creates a ChunkManager with custom options.
// Out of range values fall back to the defaults.
func NewChunkManagerWithOptions(chunkSize, fanout int) *ChunkManager {
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		chunkSize = DefaultChunkSize
	}
	if fanout < MinFanout {
		fanout = DefaultFanout
	}
	return &ChunkManager{
		chunkSize: chunkSize,
		fanout:    fanout,
	}
}

func (cm *ChunkManager) ChunkSize() int { return cm.chunkSize }

func (cm *ChunkManager) Fanout() int { return cm.fanout }

// SplitIntoChunks divides data into chunks of at most ChunkSize bytes. An
// empty payload yields a single empty chunk so it still has an address.
func (cm *ChunkManager) SplitIntoChunks(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+cm.chunkSize-1)/cm.chunkSize)
	for start := 0; start < len(data); start += cm.chunkSize {
		end := start + cm.chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// BuildTree encodes data as leaves plus as many levels of internal nodes as
// the fanout requires. Objects are returned leaves first, root last. A
// payload that fits in one chunk is addressed by its leaf.
func (cm *ChunkManager) BuildTree(data []byte) (types.Address, []EncodedObject) {
	chunks := cm.SplitIntoChunks(data)
	objects := make([]EncodedObject, 0, len(chunks)+1)
	level := make([]Child, 0, len(chunks))

	for _, chunk := range chunks {
		raw := EncodeLeaf(chunk)
		addr := Hash(raw)
		objects = append(objects, EncodedObject{Address: addr, Raw: raw})
		level = append(level, Child{Size: uint64(len(chunk)), Address: addr})
	}

	for len(level) > 1 {
		next := make([]Child, 0, (len(level)+cm.fanout-1)/cm.fanout)
		for start := 0; start < len(level); start += cm.fanout {
			end := start + cm.fanout
			if end > len(level) {
				end = len(level)
			}
			group := make([]Child, end-start)
			var offset uint64
			for i, c := range level[start:end] {
				c.Offset = offset
				group[i] = c
				offset += c.Size
			}
			raw := EncodeNode(group)
			addr := Hash(raw)
			objects = append(objects, EncodedObject{Address: addr, Raw: raw})
			next = append(next, Child{Size: offset, Address: addr})
		}
		level = next
	}

	return level[0].Address, objects
}

// Depth returns the number of tree levels needed for a payload of size bytes.
func (cm *ChunkManager) Depth(size int64) int {
	leaves := (size + int64(cm.chunkSize) - 1) / int64(cm.chunkSize)
	if leaves <= 1 {
		return 1
	}
	depth := 1
	for leaves > 1 {
		leaves = (leaves + int64(cm.fanout) - 1) / int64(cm.fanout)
		depth++
	}
	return depth
}

func (cm *ChunkManager) String() string {
	return fmt.Sprintf("chunker(size=%d, fanout=%d)", cm.chunkSize, cm.fanout)
}
