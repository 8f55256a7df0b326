package http

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/parleyhq/parley/internal/core/domain"
	"github.com/parleyhq/parley/internal/core/port"
	"github.com/parleyhq/parley/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// TODO: restrict origins once the dashboard host list is known
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes; gorilla allows one concurrent writer only.
// Subscription events and request results share the connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	l    zerolog.Logger

	subMu sync.Mutex
	subs  map[string]func()
}

func (c *wsConn) write(resp relay.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(resp); err != nil {
		c.l.Debug().Err(err).Msg("Write failed")
	}
}

// addSub registers a subscription's cancel. A reused sub_id displaces the
// previous subscription, which is cancelled so it cannot outlive its slot.
func (c *wsConn) addSub(id string, cancel func()) {
	c.subMu.Lock()
	prev := c.subs[id]
	c.subs[id] = cancel
	c.subMu.Unlock()
	if prev != nil {
		prev()
	}
}

func (c *wsConn) dropSub(id string) {
	c.subMu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.subMu.Unlock()
	if ok {
		cancel()
	}
}

func (c *wsConn) dropAll() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = map[string]func(){}
	c.subMu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

// ServeWS speaks the relay protocol with one client for the lifetime of the
// connection. Subscriptions die with the connection.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	l := log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	l.Info().Msg("Relay client connected")

	c := &wsConn{conn: conn, l: l, subs: map[string]func(){}}

	defer func() {
		l.Info().Msg("Relay client disconnected")
		c.dropAll()
		conn.Close()
	}()

	for {
		var req relay.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}
		h.handle(r.Context(), c, req)
	}
}

func (h *Handler) handle(ctx context.Context, c *wsConn, req relay.Request) {
	switch req.Op {
	case relay.OpCreateCall:
		caller, err1 := domain.ParseUserID(req.CallerID)
		callee, err2 := domain.ParseUserID(req.CalleeID)
		if err1 != nil || err2 != nil {
			c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.ErrCodeBadRequest})
			return
		}
		id, err := h.Channel.CreateCall(ctx, caller, callee)
		c.write(relay.Response{
			Type: relay.TypeResult, ReqID: req.ReqID,
			CallID: id.String(), Error: relay.EncodeError(err),
		})

	case relay.OpUpdateCall:
		id, err := domain.ParseCallID(req.CallID)
		if err != nil {
			c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.ErrCodeBadRequest})
			return
		}
		err = h.Channel.UpdateCall(ctx, id, relay.ToUpdate(req.Update))
		c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.EncodeError(err)})

	case relay.OpAppendCandidate:
		id, err := domain.ParseCallID(req.CallID)
		if err != nil {
			c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.ErrCodeBadRequest})
			return
		}
		err = h.Channel.AppendCandidate(ctx, id, domain.Side(req.Side), req.Data)
		c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.EncodeError(err)})

	case relay.OpSubscribeIncoming:
		user, err := domain.ParseUserID(req.UserID)
		if err != nil {
			c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.ErrCodeBadRequest})
			return
		}
		subID := req.SubID
		cancel, err := h.Channel.SubscribeIncoming(user, func(rec domain.CallRecord) {
			wire := relay.FromRecord(rec)
			c.write(relay.Response{Type: relay.TypeEvent, SubID: subID, Call: &wire})
		})
		c.finishSubscribe(req, cancel, err)

	case relay.OpSubscribeCall:
		id, err := domain.ParseCallID(req.CallID)
		if err != nil {
			c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.ErrCodeBadRequest})
			return
		}
		subID := req.SubID
		cancel, err := h.Channel.SubscribeCall(id, func(rec domain.CallRecord) {
			wire := relay.FromRecord(rec)
			c.write(relay.Response{Type: relay.TypeEvent, SubID: subID, Call: &wire})
		})
		c.finishSubscribe(req, cancel, err)

	case relay.OpSubscribeCandidates:
		id, err := domain.ParseCallID(req.CallID)
		if err != nil {
			c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.ErrCodeBadRequest})
			return
		}
		subID := req.SubID
		cancel, err := h.Channel.SubscribeCandidates(id, domain.Side(req.Side), func(cand domain.Candidate) {
			c.write(relay.Response{Type: relay.TypeEvent, SubID: subID, Candidate: relay.FromCandidate(cand)})
		})
		c.finishSubscribe(req, cancel, err)

	case relay.OpSubscribeHistory:
		user, err := domain.ParseUserID(req.UserID)
		if err != nil {
			c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.ErrCodeBadRequest})
			return
		}
		subID := req.SubID
		cancel, err := h.Channel.SubscribeHistory(user, func(recs []domain.CallRecord) {
			wire := make([]relay.CallRecord, 0, len(recs))
			for _, rec := range recs {
				wire = append(wire, relay.FromRecord(rec))
			}
			c.write(relay.Response{Type: relay.TypeEvent, SubID: subID, Calls: wire})
		})
		c.finishSubscribe(req, cancel, err)

	case relay.OpUnsubscribe:
		c.dropSub(req.SubID)
		c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID})

	default:
		c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.ErrCodeBadRequest})
	}
}

func (c *wsConn) finishSubscribe(req relay.Request, cancel port.CancelFunc, err error) {
	if err != nil {
		c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, Error: relay.EncodeError(err)})
		return
	}
	c.addSub(req.SubID, cancel)
	c.write(relay.Response{Type: relay.TypeResult, ReqID: req.ReqID, SubID: req.SubID})
}
