// Package relay implements port.SignalingChannel against a relayd server over
// one WebSocket connection.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/parleyhq/parley/internal/core/domain"
	"github.com/parleyhq/parley/internal/core/port"
	wire "github.com/parleyhq/parley/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultRequestTimeout = 10 * time.Second

// Client is one relay connection. Requests are correlated by req_id; events
// are dispatched to subscription handlers on the single read-loop goroutine,
// which preserves per-subscription order.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wire.Response
	subs    map[string]func(wire.Response)
	closed  bool

	done    chan struct{}
	timeout time.Duration

	l zerolog.Logger
}

var _ port.SignalingChannel = (*Client)(nil)

// Dial connects to the relay's /ws endpoint (ws:// or wss:// URL).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w: %v", url, domain.ErrChannelUnavailable, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan wire.Response),
		subs:    make(map[string]func(wire.Response)),
		done:    make(chan struct{}),
		timeout: defaultRequestTimeout,
		l:       log.With().Str("relay", url).Logger(),
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down and fails all in-flight requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]func(wire.Response))
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var resp wire.Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.closed = true
			c.subs = make(map[string]func(wire.Response))
			c.mu.Unlock()
			if !closed {
				c.l.Warn().Err(err).Msg("Relay connection lost")
			}
			return
		}

		switch resp.Type {
		case wire.TypeResult:
			c.mu.Lock()
			ch, ok := c.pending[resp.ReqID]
			delete(c.pending, resp.ReqID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case wire.TypeEvent:
			c.mu.Lock()
			fn := c.subs[resp.SubID]
			c.mu.Unlock()
			if fn != nil {
				fn(resp)
			}
		}
	}
}

func (c *Client) request(ctx context.Context, req wire.Request) (wire.Response, error) {
	req.ReqID = uuid.New().String()
	ch := make(chan wire.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Response{}, domain.ErrChannelUnavailable
	}
	c.pending[req.ReqID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ReqID)
		c.mu.Unlock()
		return wire.Response{}, fmt.Errorf("%w: %v", domain.ErrChannelUnavailable, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, wire.DecodeError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ReqID)
		return wire.Response{}, ctx.Err()
	case <-c.done:
		return wire.Response{}, domain.ErrChannelUnavailable
	case <-timer.C:
		c.forget(req.ReqID)
		return wire.Response{}, fmt.Errorf("relay request timed out: %w", domain.ErrChannelUnavailable)
	}
}

func (c *Client) forget(reqID string) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

func (c *Client) CreateCall(ctx context.Context, callerID, calleeID domain.UserID) (domain.CallID, error) {
	resp, err := c.request(ctx, wire.Request{
		Op:       wire.OpCreateCall,
		CallerID: callerID.String(),
		CalleeID: calleeID.String(),
	})
	if err != nil {
		return domain.CallID{}, err
	}
	return domain.ParseCallID(resp.CallID)
}

func (c *Client) UpdateCall(ctx context.Context, id domain.CallID, update domain.CallUpdate) error {
	_, err := c.request(ctx, wire.Request{
		Op:     wire.OpUpdateCall,
		CallID: id.String(),
		Update: wire.FromUpdate(update),
	})
	return err
}

func (c *Client) AppendCandidate(ctx context.Context, id domain.CallID, side domain.Side, data string) error {
	_, err := c.request(ctx, wire.Request{
		Op:     wire.OpAppendCandidate,
		CallID: id.String(),
		Side:   string(side),
		Data:   data,
	})
	return err
}

func (c *Client) SubscribeIncoming(userID domain.UserID, fn func(domain.CallRecord)) (port.CancelFunc, error) {
	return c.subscribe(wire.Request{
		Op:     wire.OpSubscribeIncoming,
		UserID: userID.String(),
	}, func(resp wire.Response) {
		if resp.Call == nil {
			return
		}
		rec, err := wire.ToRecord(*resp.Call)
		if err != nil {
			c.l.Warn().Err(err).Msg("Bad incoming-call event")
			return
		}
		fn(rec)
	})
}

func (c *Client) SubscribeCall(id domain.CallID, fn func(domain.CallRecord)) (port.CancelFunc, error) {
	return c.subscribe(wire.Request{
		Op:     wire.OpSubscribeCall,
		CallID: id.String(),
	}, func(resp wire.Response) {
		if resp.Call == nil {
			return
		}
		rec, err := wire.ToRecord(*resp.Call)
		if err != nil {
			c.l.Warn().Err(err).Msg("Bad call event")
			return
		}
		fn(rec)
	})
}

func (c *Client) SubscribeCandidates(id domain.CallID, side domain.Side, fn func(domain.Candidate)) (port.CancelFunc, error) {
	return c.subscribe(wire.Request{
		Op:     wire.OpSubscribeCandidates,
		CallID: id.String(),
		Side:   string(side),
	}, func(resp wire.Response) {
		if resp.Candidate == nil {
			return
		}
		cand, err := wire.ToCandidate(*resp.Candidate)
		if err != nil {
			c.l.Warn().Err(err).Msg("Bad candidate event")
			return
		}
		fn(cand)
	})
}

func (c *Client) SubscribeHistory(userID domain.UserID, fn func([]domain.CallRecord)) (port.CancelFunc, error) {
	return c.subscribe(wire.Request{
		Op:     wire.OpSubscribeHistory,
		UserID: userID.String(),
	}, func(resp wire.Response) {
		recs := make([]domain.CallRecord, 0, len(resp.Calls))
		for _, w := range resp.Calls {
			rec, err := wire.ToRecord(w)
			if err != nil {
				c.l.Warn().Err(err).Msg("Bad history event")
				return
			}
			recs = append(recs, rec)
		}
		fn(recs)
	})
}

// subscribe registers the handler before sending the request: the server may
// start pushing events ahead of the subscribe result landing here.
func (c *Client) subscribe(req wire.Request, handler func(wire.Response)) (port.CancelFunc, error) {
	subID := uuid.New().String()
	req.SubID = subID

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrChannelUnavailable
	}
	c.subs[subID] = handler
	c.mu.Unlock()

	if _, err := c.request(context.Background(), req); err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		return nil, err
	}

	cancel := func() {
		c.mu.Lock()
		_, active := c.subs[subID]
		delete(c.subs, subID)
		closed := c.closed
		c.mu.Unlock()
		if !active || closed {
			return
		}
		// Fire and forget; the local removal already stopped dispatch.
		go func() {
			ctx, cancelTO := context.WithTimeout(context.Background(), c.timeout)
			defer cancelTO()
			if _, err := c.request(ctx, wire.Request{Op: wire.OpUnsubscribe, SubID: subID}); err != nil {
				c.l.Debug().Err(err).Msg("Unsubscribe failed")
			}
		}()
	}
	return cancel, nil
}
