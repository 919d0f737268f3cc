package rpc

import (
	"io"

	"github.com/roach88/strand/internal/protocol"
)

// SliceReader serves a precomputed get-stream-ex response.
type SliceReader struct {
	chunks []StreamChunk
	next   int
}

func NewSliceReader(chunks []StreamChunk) *SliceReader {
	return &SliceReader{chunks: chunks}
}

func (r *SliceReader) Recv() (*StreamChunk, error) {
	if r.next >= len(r.chunks) {
		return nil, io.EOF
	}
	c := r.chunks[r.next]
	r.next++
	return &c, nil
}

func (r *SliceReader) Close() error { return nil }

// CollectStream drains r into a StreamAndCookie-shaped view: miniblocks in
// order and the trailing minipool.
func CollectStream(r StreamReader) ([]protocol.Miniblock, []protocol.Envelope, error) {
	defer r.Close()
	var (
		blocks   []protocol.Miniblock
		minipool []protocol.Envelope
	)
	for {
		chunk, err := r.Recv()
		if err == io.EOF {
			return blocks, minipool, nil
		}
		if err != nil {
			return nil, nil, err
		}
		if chunk.Miniblock != nil {
			blocks = append(blocks, *chunk.Miniblock)
		}
		minipool = append(minipool, chunk.Minipool...)
	}
}
