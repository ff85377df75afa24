package agentio

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/wippyai/wasm-executor/abi"
)

type wsConn struct {
	id   uint64
	conn *websocket.Conn
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}

// ParseWSURL validates a ws:// or wss:// URL.
func ParseWSURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("websocket url %q has no host", raw)
	}
	return u, nil
}

// SubmitConnect queues a websocket dial. A successful result carries the new
// connection handle in Conn.
func (p *Pool) SubmitConnect(agent string, u *url.URL) (*Op, error) {
	return p.submit(agent, OpWSConnect, p.cfg.WSTimeout, func(ctx context.Context) abi.IOResult {
		return p.doConnect(ctx, agent, u)
	})
}

func (p *Pool) doConnect(ctx context.Context, agent string, u *url.URL) abi.IOResult {
	origin := "http://" + u.Host
	if u.Scheme == "wss" {
		origin = "https://" + u.Host
	}
	cfg, err := websocket.NewConfig(u.String(), origin)
	if err != nil {
		return abi.Failed(abi.OutcomeError, err.Error())
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return p.errorResult(ctx, err)
	}
	conn.PayloadType = websocket.BinaryFrame

	c := &wsConn{id: p.nextConn.Add(1), conn: conn}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.close()
		return abi.Failed(abi.OutcomeCanceled, "i/o pool closed")
	}
	owned := p.conns[agent]
	if owned == nil {
		owned = make(map[uint64]*wsConn)
		p.conns[agent] = owned
	}
	if len(owned) >= p.cfg.MaxConns {
		p.mu.Unlock()
		c.close()
		return abi.Failed(abi.OutcomeError, fmt.Sprintf("agent already holds %d connections", p.cfg.MaxConns))
	}
	owned[c.id] = c
	p.mu.Unlock()

	return abi.IOResult{Outcome: abi.OutcomeOK, Conn: c.id, Status: 101}
}

func (p *Pool) lookup(agent string, id uint64) (*wsConn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[agent][id]
	return c, ok
}

func (p *Pool) drop(agent string, id uint64) {
	p.mu.Lock()
	c, ok := p.conns[agent][id]
	if ok {
		delete(p.conns[agent], id)
		if len(p.conns[agent]) == 0 {
			delete(p.conns, agent)
		}
	}
	p.mu.Unlock()
	if ok {
		c.close()
	}
}

// SubmitSend queues a message write on an open connection.
func (p *Pool) SubmitSend(agent string, id uint64, msg []byte) (*Op, error) {
	c, ok := p.lookup(agent, id)
	if !ok {
		return nil, ErrUnknownConn
	}
	msg = bytes.Clone(msg)
	return p.submit(agent, OpWSSend, p.cfg.WSTimeout, func(ctx context.Context) abi.IOResult {
		deadline, _ := ctx.Deadline()
		_ = c.conn.SetWriteDeadline(deadline)
		stop := context.AfterFunc(ctx, func() { _ = c.conn.SetWriteDeadline(time.Now()) })
		defer stop()

		if err := websocket.Message.Send(c.conn, msg); err != nil {
			return p.connFailure(ctx, agent, id, err)
		}
		return abi.IOResult{Outcome: abi.OutcomeOK, Conn: id}
	})
}

// SubmitRecv queues a read of the next message on an open connection.
func (p *Pool) SubmitRecv(agent string, id uint64) (*Op, error) {
	c, ok := p.lookup(agent, id)
	if !ok {
		return nil, ErrUnknownConn
	}
	return p.submit(agent, OpWSRecv, p.cfg.WSTimeout, func(ctx context.Context) abi.IOResult {
		deadline, _ := ctx.Deadline()
		_ = c.conn.SetReadDeadline(deadline)
		stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
		defer stop()

		var msg []byte
		if err := websocket.Message.Receive(c.conn, &msg); err != nil {
			return p.connFailure(ctx, agent, id, err)
		}
		return abi.IOResult{Outcome: abi.OutcomeOK, Conn: id, Body: msg}
	})
}

// connFailure maps a send/receive error. A connection whose peer went away is
// dropped; the agent must connect again.
func (p *Pool) connFailure(ctx context.Context, agent string, id uint64, err error) abi.IOResult {
	res := p.errorResult(ctx, err)
	res.Conn = id
	if res.Outcome == abi.OutcomeClosed {
		p.drop(agent, id)
	}
	return res
}

// CloseConn closes one connection synchronously.
func (p *Pool) CloseConn(agent string, id uint64) error {
	if _, ok := p.lookup(agent, id); !ok {
		return ErrUnknownConn
	}
	p.drop(agent, id)
	return nil
}
