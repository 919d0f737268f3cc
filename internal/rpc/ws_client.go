package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/logging"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

// WSClient implements Client over one WebSocket connection. Calls are
// multiplexed by request id and may run concurrently.
type WSClient struct {
	conn *websocket.Conn
	log  *logrus.Entry

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*call

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type call struct {
	frames chan response
	// gone is closed when the caller stops listening.
	gone chan struct{}
}

var _ Client = (*WSClient)(nil)

// Dial connects to a node at url (ws:// or wss://).
func Dial(ctx context.Context, url string, log *logrus.Entry) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &WSClient{
		conn:    conn,
		log:     logging.OrDiscard(log),
		pending: make(map[string]*call),
		closed:  make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// Close tears down the connection; in-flight calls fail with UNAVAILABLE.
func (c *WSClient) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *WSClient) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		c.closeErr = err
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

func (c *WSClient) unavailable() error {
	return &Error{Code: CodeUnavailable, Message: fmt.Sprintf("connection closed: %v", c.closeErr)}
}

func (c *WSClient) readPump() {
	for {
		var resp response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.shutdown(err)
			return
		}
		c.mu.Lock()
		pc := c.pending[resp.ID]
		c.mu.Unlock()
		if pc == nil {
			c.log.WithField("id", resp.ID).Debug("dropping frame for abandoned call")
			continue
		}
		select {
		case pc.frames <- resp:
		case <-pc.gone:
		case <-c.closed:
			return
		}
	}
}

func (c *WSClient) send(ctx context.Context, method string, params any) (string, *call, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", nil, fmt.Errorf("%s: encode params: %w", method, err)
	}
	id := uuid.NewString()
	pc := &call{frames: make(chan response, 8), gone: make(chan struct{})}

	c.mu.Lock()
	c.pending[id] = pc
	c.mu.Unlock()

	c.writeMu.Lock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	err = c.conn.WriteJSON(request{ID: id, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.release(id, pc)
		select {
		case <-c.closed:
			return "", nil, c.unavailable()
		default:
		}
		return "", nil, fmt.Errorf("%s: write: %w", method, err)
	}
	return id, pc, nil
}

func (c *WSClient) release(id string, pc *call) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	close(pc.gone)
}

func (c *WSClient) next(ctx context.Context, pc *call) (response, error) {
	select {
	case frame := <-pc.frames:
		if frame.Error != nil {
			return frame, frame.Error
		}
		return frame, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-c.closed:
		return response{}, c.unavailable()
	}
}

func (c *WSClient) unary(ctx context.Context, method string, params, out any) error {
	id, pc, err := c.send(ctx, method, params)
	if err != nil {
		return err
	}
	defer c.release(id, pc)

	frame, err := c.next(ctx, pc)
	if err != nil {
		return err
	}
	if out == nil || len(frame.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *WSClient) CreateStream(ctx context.Context, req CreateStreamRequest) (*protocol.StreamAndCookie, error) {
	var out protocol.StreamAndCookie
	if err := c.unary(ctx, MethodCreateStream, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *WSClient) GetStream(ctx context.Context, id streamid.ID) (*protocol.StreamAndCookie, error) {
	var out protocol.StreamAndCookie
	if err := c.unary(ctx, MethodGetStream, streamParams{StreamID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *WSClient) GetStreamEx(ctx context.Context, id streamid.ID) (StreamReader, error) {
	reqID, pc, err := c.send(ctx, MethodGetStreamEx, streamParams{StreamID: id})
	if err != nil {
		return nil, err
	}
	return &wsStreamReader{ctx: ctx, c: c, id: reqID, pc: pc}, nil
}

func (c *WSClient) AddEvent(ctx context.Context, id streamid.ID, ev protocol.Envelope) (*AddEventResponse, error) {
	var out AddEventResponse
	if err := c.unary(ctx, MethodAddEvent, addEventParams{StreamID: id, Event: ev}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *WSClient) AddMediaEvent(ctx context.Context, ev protocol.Envelope, cookie protocol.CreationCookie, last bool) (*protocol.CreationCookie, error) {
	var out protocol.CreationCookie
	params := addMediaEventParams{Event: ev, Cookie: cookie, Last: last}
	if err := c.unary(ctx, MethodAddMediaEvent, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *WSClient) GetLastMiniblockHash(ctx context.Context, id streamid.ID) (protocol.CommitPointer, error) {
	var out protocol.CommitPointer
	err := c.unary(ctx, MethodGetLastMiniblockHash, streamParams{StreamID: id}, &out)
	return out, err
}

func (c *WSClient) GetMiniblocks(ctx context.Context, id streamid.ID, from, to int64, filter protocol.ExclusionFilter) (*GetMiniblocksResponse, error) {
	var out GetMiniblocksResponse
	params := getMiniblocksParams{StreamID: id, From: from, To: to, Filter: filter}
	if err := c.unary(ctx, MethodGetMiniblocks, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type wsStreamReader struct {
	ctx  context.Context
	c    *WSClient
	id   string
	pc   *call
	once sync.Once
	done bool
}

func (r *wsStreamReader) Recv() (*StreamChunk, error) {
	if r.done {
		return nil, io.EOF
	}
	frame, err := r.c.next(r.ctx, r.pc)
	if err != nil {
		r.Close()
		return nil, err
	}
	if frame.Done {
		r.done = true
		r.Close()
		return nil, io.EOF
	}
	var chunk StreamChunk
	if err := json.Unmarshal(frame.Result, &chunk); err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: decode chunk: %w", MethodGetStreamEx, err)
	}
	return &chunk, nil
}

func (r *wsStreamReader) Close() error {
	r.once.Do(func() { r.c.release(r.id, r.pc) })
	return nil
}
