package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/philsphicas/turnrelay/internal/metrics"
	"github.com/philsphicas/turnrelay/internal/player"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

type arrival struct {
	t   player.Transport
	err error
}

// Pairer fans in players from several sources and seats them in arrival
// order: 0, 1, 0, 1, ...
type Pairer struct {
	sources []Source
	logger  *slog.Logger
	metrics *metrics.Metrics

	arrivals  chan arrival
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	next int
}

// NewPairer starts accepting on every source. Accepting stops when ctx is
// done or Close is called.
func NewPairer(ctx context.Context, logger *slog.Logger, m *metrics.Metrics, sources ...Source) *Pairer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pairer{
		sources:  sources,
		logger:   logger,
		metrics:  m,
		arrivals: make(chan arrival),
		done:     make(chan struct{}),
	}
	for _, src := range sources {
		p.wg.Add(1)
		go p.acceptLoop(ctx, src)
	}
	return p
}

func (p *Pairer) acceptLoop(ctx context.Context, src Source) {
	defer p.wg.Done()
	var backoff time.Duration
	for {
		t, err := src.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || p.closed() {
				return
			}
			if isClosed(err) {
				p.deliver(ctx, arrival{err: err})
				return
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			p.logger.Warn("accept failed", "addr", src.Addr(), "error", err, "retry_in", backoff)
			p.metrics.ConnectionError(networkOf(src), metrics.ReasonAcceptFailed)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-p.done:
				return
			}
			continue
		}
		backoff = 0
		if !p.deliver(ctx, arrival{t: t}) {
			p.metrics.ConnectionError(t.Network(), metrics.ReasonAbandoned)
			_ = t.Close()
			return
		}
	}
}

func (p *Pairer) deliver(ctx context.Context, a arrival) bool {
	select {
	case p.arrivals <- a:
		return true
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	}
}

func (p *Pairer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Accept returns the next player with its seat assigned. Players that
// hung up while waiting to be seated are dropped. It must not be called
// concurrently.
func (p *Pairer) Accept(ctx context.Context) (*player.Conn, error) {
	for {
		select {
		case a := <-p.arrivals:
			if a.err != nil {
				return nil, a.err
			}
			if !player.Alive(a.t) {
				p.logger.Debug("player left before being seated", "addr", a.t.RemoteAddr(), "transport", a.t.Network())
				p.metrics.ConnectionError(a.t.Network(), metrics.ReasonAbandoned)
				_ = a.t.Close()
				continue
			}
			c := player.New(p.next, a.t)
			p.next = 1 - p.next
			p.metrics.ConnectionAccepted(a.t.Network())
			p.logger.Debug("player connected", "seat", c.Seat(), "addr", c.RemoteAddr(), "transport", c.Network())
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, &AcceptError{Addr: "pairer", Err: errPairerClosed}
		}
	}
}

// Close closes every source and waits for the accept loops to exit.
func (p *Pairer) Close() error {
	var first error
	p.closeOnce.Do(func() {
		close(p.done)
		for _, src := range p.sources {
			if err := src.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	p.wg.Wait()
	return first
}

func networkOf(src Source) string {
	if _, ok := src.(*WSListener); ok {
		return "websocket"
	}
	return "tcp"
}
