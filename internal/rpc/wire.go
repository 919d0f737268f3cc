package rpc

import (
	"encoding/json"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

// Method names on the wire.
const (
	MethodCreateStream         = "create_stream"
	MethodGetStream            = "get_stream"
	MethodGetStreamEx          = "get_stream_ex"
	MethodAddEvent             = "add_event"
	MethodAddMediaEvent        = "add_media_event"
	MethodGetLastMiniblockHash = "get_last_miniblock_hash"
	MethodGetMiniblocks        = "get_miniblocks"
)

// request is a client frame.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// response is a server frame. Unary calls get exactly one frame with Done
// set; streaming calls get any number of frames followed by one with Done.
type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Done   bool            `json:"done"`
}

type streamParams struct {
	StreamID streamid.ID `json:"stream_id"`
}

type addEventParams struct {
	StreamID streamid.ID       `json:"stream_id"`
	Event    protocol.Envelope `json:"event"`
}

type addMediaEventParams struct {
	Event  protocol.Envelope       `json:"event"`
	Cookie protocol.CreationCookie `json:"cookie"`
	Last   bool                    `json:"last"`
}

type getMiniblocksParams struct {
	StreamID streamid.ID              `json:"stream_id"`
	From     int64                    `json:"from"`
	To       int64                    `json:"to"`
	Filter   protocol.ExclusionFilter `json:"filter,omitempty"`
}
