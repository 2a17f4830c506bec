// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nodeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	log "github.com/golang/glog"
	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/pkg/retry"
)

// ErrConnectionClosed is returned by calls on a dropped connection.
var ErrConnectionClosed = errors.New("node connection closed")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	// Buffered notifications per subscription before the read loop blocks.
	subscriptionBuffer = 16
)

// RPC method names of the node.
const (
	methodFarmerAppInfo            = "subspace_getFarmerAppInfo"
	methodSubmitSolution           = "subspace_submitSolutionResponse"
	methodSubscribeSlotInfo        = "subspace_subscribeSlotInfo"
	methodUnsubscribeSlotInfo      = "subspace_unsubscribeSlotInfo"
	methodSubscribeSegmentHeader   = "subspace_subscribeArchivedSegmentHeader"
	methodUnsubscribeSegmentHeader = "subspace_unsubscribeArchivedSegmentHeader"
	methodSegmentHeaders           = "subspace_segmentHeaders"
	methodLastSegmentHeaders       = "subspace_lastSegmentHeaders"
	methodPiece                    = "subspace_piece"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// RPCError is an error returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is either a response (ID set) or a subscription notification
// (Method and Params set).
type rpcMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type pendingCall struct {
	done   chan struct{}
	result json.RawMessage
	err    error

	// Set for subscribe calls, registered by the read loop before the caller
	// sees the response so no notification is missed.
	sub *subscription
}

type subscription struct {
	ch chan json.RawMessage
	// Closed once nobody reads ch anymore.
	stop chan struct{}
}

// RPCClient is a Client speaking JSON-RPC over one websocket connection.
// Once the connection drops every call fails with ErrConnectionClosed and
// Done is closed; use Connect for a client that reconnects.
type RPCClient struct {
	conn *websocket.Conn

	// Serializes writes to conn.
	writeLock sync.Mutex

	// Protects everything below.
	lock    sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	subs    map[string]*subscription
	err     error

	done chan struct{}
}

// Dial connects to the node at url, e.g. "ws://127.0.0.1:9944".
func Dial(ctx context.Context, url string) (*RPCClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node at %s: %w", url, err)
	}
	c := &RPCClient{
		conn:    conn,
		pending: make(map[uint64]*pendingCall),
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection drops.
func (c *RPCClient) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection.
func (c *RPCClient) Close() error {
	c.writeLock.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeLock.Unlock()
	return c.conn.Close()
}

func (c *RPCClient) readLoop() {
	var err error
	for {
		var msg rpcMessage
		if err = c.conn.ReadJSON(&msg); err != nil {
			break
		}
		c.dispatch(&msg)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Infof("node closed the connection")
	} else {
		log.Errorf("node connection failed: %s", err)
	}
	c.fail(ErrConnectionClosed)
}

func (c *RPCClient) dispatch(msg *rpcMessage) {
	if msg.ID != nil {
		c.lock.Lock()
		call := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		if call != nil && call.sub != nil && msg.Error == nil {
			var id string
			if err := json.Unmarshal(msg.Result, &id); err == nil {
				c.subs[id] = call.sub
			}
		}
		c.lock.Unlock()

		if call == nil {
			log.Warningf("response to unknown request %d", *msg.ID)
			return
		}
		if msg.Error != nil {
			call.err = msg.Error
		} else {
			call.result = msg.Result
		}
		close(call.done)
		return
	}

	if msg.Params == nil {
		log.V(1).Infof("ignoring node message %q without params", msg.Method)
		return
	}
	c.lock.Lock()
	sub := c.subs[msg.Params.Subscription]
	c.lock.Unlock()
	if sub == nil {
		log.V(1).Infof("notification for unknown subscription %s", msg.Params.Subscription)
		return
	}
	select {
	case sub.ch <- msg.Params.Result:
	case <-sub.stop:
	case <-c.done:
	}
}

// fail fails all pending calls and ends all subscriptions.
func (c *RPCClient) fail(err error) {
	c.lock.Lock()
	if c.err != nil {
		c.lock.Unlock()
		return
	}
	c.err = err
	pending, subs := c.pending, c.subs
	c.pending, c.subs = nil, nil
	close(c.done)
	c.lock.Unlock()

	for _, call := range pending {
		call.err = err
		close(call.done)
	}
	for _, sub := range subs {
		close(sub.ch)
	}
}

func (c *RPCClient) call(ctx context.Context, method string, sub *subscription, result interface{}, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	call := &pendingCall{done: make(chan struct{}), sub: sub}

	c.lock.Lock()
	if c.err != nil {
		c.lock.Unlock()
		return c.err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = call
	c.lock.Unlock()

	c.writeLock.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeLock.Unlock()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		c.lock.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.lock.Unlock()
		return ctx.Err()
	}
	if call.err != nil {
		return call.err
	}
	if result == nil || len(call.result) == 0 {
		return nil
	}
	if err := json.Unmarshal(call.result, result); err != nil {
		return fmt.Errorf("%s: bad response: %w", method, err)
	}
	return nil
}

// subscribe starts a subscription and returns its notifications. The channel
// is closed when ctx is done or the connection drops.
func (c *RPCClient) subscribe(ctx context.Context, method, unsubscribe string) (<-chan json.RawMessage, error) {
	sub := &subscription{ch: make(chan json.RawMessage, subscriptionBuffer), stop: make(chan struct{})}
	var id string
	if err := c.call(ctx, method, sub, &id); err != nil {
		close(sub.stop)
		return nil, err
	}

	out := make(chan json.RawMessage)
	go func() {
		defer close(out)
		defer close(sub.stop)
		for {
			select {
			case raw, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- raw:
				case <-ctx.Done():
				}
			case <-ctx.Done():
				c.lock.Lock()
				if c.subs != nil {
					delete(c.subs, id)
				}
				c.lock.Unlock()
				uctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				if err := c.call(uctx, unsubscribe, nil, nil, id); err != nil {
					log.V(1).Infof("failed to unsubscribe %s: %s", id, err)
				}
				cancel()
				return
			}
		}
	}()
	return out, nil
}

// FarmerAppInfo implements Client.
func (c *RPCClient) FarmerAppInfo(ctx context.Context) (info core.FarmerAppInfo, err error) {
	err = c.call(ctx, methodFarmerAppInfo, nil, &info)
	return
}

// SubmitSolution implements Client.
func (c *RPCClient) SubmitSolution(ctx context.Context, resp core.SolutionResponse) error {
	return c.call(ctx, methodSubmitSolution, nil, nil, resp)
}

// SubscribeSlotInfo implements Client.
func (c *RPCClient) SubscribeSlotInfo(ctx context.Context) (<-chan core.SlotInfo, error) {
	raws, err := c.subscribe(ctx, methodSubscribeSlotInfo, methodUnsubscribeSlotInfo)
	if err != nil {
		return nil, err
	}
	out := make(chan core.SlotInfo)
	go func() {
		defer close(out)
		for raw := range raws {
			var si core.SlotInfo
			if err := json.Unmarshal(raw, &si); err != nil {
				log.Errorf("bad slot info from node: %s", err)
				continue
			}
			select {
			case out <- si:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// SubscribeArchivedSegmentHeaders implements Client.
func (c *RPCClient) SubscribeArchivedSegmentHeaders(ctx context.Context) (<-chan core.SegmentHeader, error) {
	raws, err := c.subscribe(ctx, methodSubscribeSegmentHeader, methodUnsubscribeSegmentHeader)
	if err != nil {
		return nil, err
	}
	out := make(chan core.SegmentHeader)
	go func() {
		defer close(out)
		for raw := range raws {
			var h core.SegmentHeader
			if err := json.Unmarshal(raw, &h); err != nil {
				log.Errorf("bad segment header from node: %s", err)
				continue
			}
			select {
			case out <- h:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// SegmentHeaders implements Client.
func (c *RPCClient) SegmentHeaders(ctx context.Context, indexes []core.SegmentIndex) (headers []*core.SegmentHeader, err error) {
	err = c.call(ctx, methodSegmentHeaders, nil, &headers, indexes)
	return
}

// LastSegmentHeaders implements Client.
func (c *RPCClient) LastSegmentHeaders(ctx context.Context, limit uint64) (headers []*core.SegmentHeader, err error) {
	err = c.call(ctx, methodLastSegmentHeaders, nil, &headers, limit)
	return
}

// Piece implements Client.
func (c *RPCClient) Piece(ctx context.Context, index core.PieceIndex) (piece core.Piece, err error) {
	err = c.call(ctx, methodPiece, nil, &piece, index)
	return
}

// Connect keeps m connected to the node at url until ctx is done. Every time
// the connection drops it is re-established with backoff, and the new
// connection is injected into m.
func Connect(ctx context.Context, url string, m *Maybe) {
	r := retry.Retrier{
		MinSleep: time.Second,
		MaxSleep: 30 * time.Second,
		OnRetry: func(attempt int, err error) {
			log.Warningf("node not reachable (attempt %d): %s", attempt+1, err)
		},
	}
	for ctx.Err() == nil {
		var c *RPCClient
		err := r.Do(ctx, func(int) error {
			var err error
			c, err = Dial(ctx, url)
			return err
		})
		if err != nil {
			return
		}
		log.Infof("connected to node at %s", url)
		m.Inject(c)

		select {
		case <-c.Done():
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}
