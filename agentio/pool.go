package agentio

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/errors"
)

// Defaults applied to zero Config fields.
const (
	DefaultWorkers     = 4
	DefaultQueue       = 64
	DefaultHTTPTimeout = 30 * time.Second
	DefaultWSTimeout   = 30 * time.Second
	DefaultMaxBody     = 4 << 20
	DefaultMaxConns    = 8
)

var (
	// ErrQueueFull is returned by Submit calls when the queue has no room.
	ErrQueueFull = &errors.Error{Class: errors.ClassIO, Kind: errors.KindQueueFull, Detail: "operation queue full"}
	// ErrUnknownConn is returned for a connection handle the agent does not own.
	ErrUnknownConn = &errors.Error{Class: errors.ClassIO, Kind: errors.KindUnknownConn, Detail: "unknown connection"}
	// ErrClosed is returned after Close.
	ErrClosed = &errors.Error{Class: errors.ClassIO, Kind: errors.KindClosed, Detail: "i/o pool closed"}
)

// Config sizes the pool.
type Config struct {
	Workers     int
	Queue       int
	HTTPTimeout time.Duration
	WSTimeout   time.Duration
	MaxBodySize int64 // response body limit in bytes
	MaxConns    int   // open websocket connections per agent
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Queue <= 0 {
		c.Queue = DefaultQueue
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.WSTimeout <= 0 {
		c.WSTimeout = DefaultWSTimeout
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBody
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pool) {
		if c != nil {
			p.client = c
		}
	}
}

// WithOnComplete registers a callback invoked from a worker after each op
// finishes. Canceled ops are not reported.
func WithOnComplete(fn func(*Op)) Option {
	return func(p *Pool) {
		p.onComplete = fn
	}
}

// Pool runs agent network operations on a bounded set of workers.
type Pool struct {
	cfg        Config
	client     *http.Client
	logger     *zap.Logger
	onComplete func(*Op)

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan *Op
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	conns    map[string]map[uint64]*wsConn
	nextConn atomic.Uint64
	nextOp   atomic.Uint64
}

// NewPool starts cfg.Workers workers.
func NewPool(cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		client: &http.Client{},
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan *Op, cfg.Queue),
		conns:  make(map[string]map[uint64]*wsConn),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for op := range p.jobs {
		p.execute(op)
	}
}

func (p *Pool) execute(op *Op) {
	var res abi.IOResult
	if op.ctx.Err() != nil {
		res = p.contextResult(op.ctx)
	} else {
		res = op.run(op.ctx)
	}
	op.cancel()

	canceled := op.finish(res)
	p.logger.Debug("agent op finished",
		zap.String("agent", op.Agent),
		zap.Uint64("op", op.ID),
		zap.Stringer("kind", op.Kind),
		zap.Stringer("outcome", res.Outcome),
		zap.Bool("discarded", canceled))
	if !canceled && p.onComplete != nil {
		p.onComplete(op)
	}
}

func (p *Pool) submit(agent string, kind OpKind, timeout time.Duration, run func(context.Context) abi.IOResult) (*Op, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	op := &Op{
		ID:     p.nextOp.Add(1),
		Agent:  agent,
		Kind:   kind,
		ctx:    ctx,
		cancel: cancel,
		run:    run,
		done:   make(chan struct{}),
	}

	select {
	case p.jobs <- op:
		return op, nil
	default:
		cancel()
		return nil, ErrQueueFull
	}
}

// SubmitHTTP queues an HTTP request.
func (p *Pool) SubmitHTTP(agent string, head *abi.RequestHead, body []byte) (*Op, error) {
	body = bytes.Clone(body)
	return p.submit(agent, OpHTTP, p.cfg.HTTPTimeout, func(ctx context.Context) abi.IOResult {
		return p.doHTTP(ctx, head, body)
	})
}

func (p *Pool) doHTTP(ctx context.Context, head *abi.RequestHead, body []byte) abi.IOResult {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, head.Method, head.URL.String(), reader)
	if err != nil {
		return abi.Failed(abi.OutcomeError, err.Error())
	}
	req.Header = head.Header.Clone()

	resp, err := p.client.Do(req)
	if err != nil {
		return p.errorResult(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodySize+1))
	if err != nil {
		return p.errorResult(ctx, fmt.Errorf("read response body: %w", err))
	}
	if int64(len(data)) > p.cfg.MaxBodySize {
		return abi.Failed(abi.OutcomeError, fmt.Sprintf("response body exceeds %d bytes", p.cfg.MaxBodySize))
	}

	return abi.IOResult{
		Outcome: abi.OutcomeOK,
		Status:  uint16(resp.StatusCode),
		Head:    abi.EncodeResponseHead(resp.Proto, resp.StatusCode, resp.Header),
		Body:    data,
	}
}

// errorResult maps a failed operation to a typed result.
func (p *Pool) errorResult(ctx context.Context, err error) abi.IOResult {
	if ctx.Err() != nil {
		return p.contextResult(ctx)
	}
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return abi.Failed(abi.OutcomeTimeout, err.Error())
	}
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed) {
		return abi.Failed(abi.OutcomeClosed, err.Error())
	}
	return abi.Failed(abi.OutcomeError, err.Error())
}

func (p *Pool) contextResult(ctx context.Context) abi.IOResult {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return abi.Failed(abi.OutcomeTimeout, "operation timed out")
	}
	return abi.Failed(abi.OutcomeCanceled, "operation canceled")
}

// CloseAgent closes every connection the agent owns. Pending ops on those
// connections complete with a closed result.
func (p *Pool) CloseAgent(agent string) {
	p.mu.Lock()
	conns := p.conns[agent]
	delete(p.conns, agent)
	p.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	if len(conns) > 0 {
		p.logger.Debug("closed agent connections", zap.String("agent", agent), zap.Int("count", len(conns)))
	}
}

// Conns returns the number of open connections of agent.
func (p *Pool) Conns(agent string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns[agent])
}

// Close stops the workers. Queued and running ops finish as canceled.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	all := p.conns
	p.conns = make(map[string]map[uint64]*wsConn)
	close(p.jobs)
	p.mu.Unlock()

	for _, conns := range all {
		for _, c := range conns {
			c.close()
		}
	}
	p.wg.Wait()
}
