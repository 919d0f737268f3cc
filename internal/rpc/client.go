// Package rpc is the stream node transport: the Client contract the sync
// engine calls, a typed error taxonomy, and a JSON-over-WebSocket binding
// for both ends of the connection.
package rpc

import (
	"context"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

// Client is the node API.
type Client interface {
	CreateStream(ctx context.Context, req CreateStreamRequest) (*protocol.StreamAndCookie, error)
	GetStream(ctx context.Context, id streamid.ID) (*protocol.StreamAndCookie, error)
	// GetStreamEx streams a stream's miniblocks one at a time followed by
	// its minipool.
	GetStreamEx(ctx context.Context, id streamid.ID) (StreamReader, error)
	AddEvent(ctx context.Context, id streamid.ID, ev protocol.Envelope) (*AddEventResponse, error)
	AddMediaEvent(ctx context.Context, ev protocol.Envelope, cookie protocol.CreationCookie, last bool) (*protocol.CreationCookie, error)
	GetLastMiniblockHash(ctx context.Context, id streamid.ID) (protocol.CommitPointer, error)
	// GetMiniblocks returns miniblocks in [from, to) with filter applied.
	GetMiniblocks(ctx context.Context, id streamid.ID, from, to int64, filter protocol.ExclusionFilter) (*GetMiniblocksResponse, error)
}

// StreamReader yields the parts of a get-stream-ex response. Recv returns
// io.EOF after the last chunk.
type StreamReader interface {
	Recv() (*StreamChunk, error)
	Close() error
}

// StreamChunk is one frame of a get-stream-ex response: either a miniblock
// or the trailing minipool.
type StreamChunk struct {
	Miniblock *protocol.Miniblock `json:"miniblock,omitempty"`
	Minipool  []protocol.Envelope `json:"minipool,omitempty"`
}

type CreateStreamRequest struct {
	StreamID streamid.ID         `json:"stream_id"`
	Events   []protocol.Envelope `json:"events"`
	Metadata map[string]string   `json:"metadata,omitempty"`
}

type AddEventResponse struct {
	// NewEvents lists events the node derived from the accepted one.
	NewEvents []protocol.EventRef `json:"new_events,omitempty"`
}

type GetMiniblocksResponse struct {
	Miniblocks []protocol.Miniblock `json:"miniblocks"`
	// Terminus is true when the returned range reaches the genesis block.
	Terminus bool `json:"terminus"`
}
