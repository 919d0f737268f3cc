package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/logging"
)

// Handler serves a Client implementation over WebSocket. Each request on a
// connection is handled in its own goroutine; responses are serialized by a
// per-connection write pump.
type Handler struct {
	impl     Client
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func NewHandler(impl Client, log *logrus.Entry) *Handler {
	return &Handler{
		impl: impl,
		log:  logging.OrDiscard(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	s := &session{
		impl: h.impl,
		log:  h.log.WithField("remote", r.RemoteAddr),
		conn: conn,
		send: make(chan []byte, 64),
		ctx:  ctx,
	}
	go s.writePump()
	s.readPump()
	cancel()
	s.wg.Wait()
	close(s.send)
}

type session struct {
	impl Client
	log  *logrus.Entry
	conn *websocket.Conn
	send chan []byte
	ctx  context.Context
	wg   sync.WaitGroup
}

func (s *session) readPump() {
	defer s.conn.Close()
	for {
		var req request
		if err := s.conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("connection read ended")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(req)
		}()
	}
}

func (s *session) writePump() {
	for data := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.WithError(err).Debug("write failed")
		}
	}
}

func (s *session) frame(id string, result any, err error, done bool) {
	resp := response{ID: id, Done: done}
	if err != nil {
		resp.Error = toWireError(err)
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = Errorf(CodeInternal, "encode result: %v", merr)
		} else {
			resp.Result = raw
		}
	}
	data, merr := json.Marshal(resp)
	if merr != nil {
		s.log.WithError(merr).Error("encode frame")
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}

func toWireError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, Errorf(CodeInvalidArgument, "decode params: %v", err)
	}
	return v, nil
}

func (s *session) dispatch(req request) {
	ctx := s.ctx
	log := s.log.WithField("method", req.Method)
	log.Trace("request")

	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodCreateStream:
		var p CreateStreamRequest
		if p, err = decode[CreateStreamRequest](req.Params); err == nil {
			result, err = s.impl.CreateStream(ctx, p)
		}
	case MethodGetStream:
		var p streamParams
		if p, err = decode[streamParams](req.Params); err == nil {
			result, err = s.impl.GetStream(ctx, p.StreamID)
		}
	case MethodGetStreamEx:
		s.streamEx(ctx, req)
		return
	case MethodAddEvent:
		var p addEventParams
		if p, err = decode[addEventParams](req.Params); err == nil {
			result, err = s.impl.AddEvent(ctx, p.StreamID, p.Event)
		}
	case MethodAddMediaEvent:
		var p addMediaEventParams
		if p, err = decode[addMediaEventParams](req.Params); err == nil {
			result, err = s.impl.AddMediaEvent(ctx, p.Event, p.Cookie, p.Last)
		}
	case MethodGetLastMiniblockHash:
		var p streamParams
		if p, err = decode[streamParams](req.Params); err == nil {
			result, err = s.impl.GetLastMiniblockHash(ctx, p.StreamID)
		}
	case MethodGetMiniblocks:
		var p getMiniblocksParams
		if p, err = decode[getMiniblocksParams](req.Params); err == nil {
			result, err = s.impl.GetMiniblocks(ctx, p.StreamID, p.From, p.To, p.Filter)
		}
	default:
		err = Errorf(CodeInvalidArgument, "unknown method %q", req.Method)
	}
	if err != nil {
		log.WithError(err).Debug("request failed")
	}
	s.frame(req.ID, result, err, true)
}

func (s *session) streamEx(ctx context.Context, req request) {
	p, err := decode[streamParams](req.Params)
	if err != nil {
		s.frame(req.ID, nil, err, true)
		return
	}
	reader, err := s.impl.GetStreamEx(ctx, p.StreamID)
	if err != nil {
		s.frame(req.ID, nil, err, true)
		return
	}
	defer reader.Close()
	for {
		chunk, err := reader.Recv()
		if err == io.EOF {
			s.frame(req.ID, nil, nil, true)
			return
		}
		if err != nil {
			s.frame(req.ID, nil, fmt.Errorf("get stream ex: %w", err), true)
			return
		}
		s.frame(req.ID, chunk, nil, false)
	}
}
