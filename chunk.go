package fibre

import (
	"encoding/binary"
	"fmt"
)

// ChunkSize is the size of a chunk record in memory.
const ChunkSize = 12

// frameBoundarySpan is the value of End-Begin marking a frame boundary.
const frameBoundarySpan = 0xffffffff

// Chunk describes a byte range of the memory carrying part of an argument.
// A chunk spanning the whole 32-bit range is not data but the boundary
// between two arguments.
type Chunk struct {
	Layer uint8
	Begin Ref
	End   Ref
}

// FrameBoundary returns the chunk closing the current argument.
func FrameBoundary() Chunk {
	return Chunk{Begin: 0, End: frameBoundarySpan}
}

func (c Chunk) IsFrameBoundary() bool {
	return uint32(c.End-c.Begin) == frameBoundarySpan
}

func (c Chunk) Len() int {
	if c.IsFrameBoundary() || c.End < c.Begin {
		return 0
	}
	return int(c.End - c.Begin)
}

func (c Chunk) String() string {
	if c.IsFrameBoundary() {
		return fmt.Sprintf("chunk(L%d, boundary)", c.Layer)
	}
	return fmt.Sprintf("chunk(L%d, [%d, %d))", c.Layer, c.Begin, c.End)
}

// AppendChunk appends the record of c to b.
func AppendChunk(b []byte, c Chunk) []byte {
	b = append(b, c.Layer, 0, 0, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(c.Begin))
	return binary.LittleEndian.AppendUint32(b, uint32(c.End))
}

func decodeChunk(b []byte) Chunk {
	return Chunk{
		Layer: b[0],
		Begin: Ref(binary.LittleEndian.Uint32(b[4:])),
		End:   Ref(binary.LittleEndian.Uint32(b[8:])),
	}
}

// WriteChunks stores the records of chunks in a fresh allocation of mem and
// returns the range [cBegin, cEnd) they occupy. An empty list yields an
// empty range at offset 0 which must not be freed.
func WriteChunks(mem *Memory, chunks []Chunk) (cBegin, cEnd Ref, err error) {
	if len(chunks) == 0 {
		return 0, 0, nil
	}
	records := make([]byte, 0, len(chunks)*ChunkSize)
	for _, c := range chunks {
		records = AppendChunk(records, c)
	}
	cBegin, err = mem.Alloc(len(records))
	if err != nil {
		return 0, 0, err
	}
	if err = mem.Write(cBegin, records); err != nil {
		return 0, 0, err
	}
	return cBegin, cBegin + Ref(len(records)), nil
}

// ReadChunks loads the records in [cBegin, cEnd).
func ReadChunks(mem *Memory, cBegin, cEnd Ref) ([]Chunk, error) {
	if cBegin == cEnd {
		return nil, nil
	}
	if cEnd < cBegin || (cEnd-cBegin)%ChunkSize != 0 {
		return nil, fmt.Errorf("%w: chunk range [%d, %d) is not a whole number of records", ErrBadRef, cBegin, cEnd)
	}
	raw, err := mem.Read(cBegin, cEnd)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, len(raw)/ChunkSize)
	for off := 0; off < len(raw); off += ChunkSize {
		chunks = append(chunks, decodeChunk(raw[off:]))
	}
	return chunks, nil
}

// chunkList is the outgoing stream of one call: one data chunk per
// argument payload followed by a boundary, all backed by a single payload
// allocation and a single record allocation.
type chunkList struct {
	mem     *Memory
	payload Ref
	cBegin  Ref
	cEnd    Ref
}

func buildChunkList(mem *Memory, args [][]byte) (*chunkList, error) {
	cl := &chunkList{mem: mem}

	total := 0
	for _, a := range args {
		total += len(a)
	}
	if total > 0 {
		payload, err := mem.Alloc(total)
		if err != nil {
			return nil, err
		}
		cl.payload = payload
	}

	chunks := make([]Chunk, 0, 2*len(args))
	pos := cl.payload
	for _, a := range args {
		if len(a) > 0 {
			if err := mem.Write(pos, a); err != nil {
				cl.free()
				return nil, err
			}
		}
		chunks = append(chunks, Chunk{Begin: pos, End: pos + Ref(len(a))}, FrameBoundary())
		pos += Ref(len(a))
	}

	var err error
	cl.cBegin, cl.cEnd, err = WriteChunks(mem, chunks)
	if err != nil {
		cl.free()
		return nil, err
	}
	return cl, nil
}

// firstByte is where the payload of the list begins, 0 when the list is
// empty.
func (cl *chunkList) firstByte() Ref {
	if cl.cBegin == cl.cEnd {
		return 0
	}
	return cl.payload
}

func (cl *chunkList) free() {
	_ = cl.mem.Free(cl.cBegin)
	_ = cl.mem.Free(cl.payload)
	cl.cBegin, cl.cEnd, cl.payload = 0, 0, 0
}
