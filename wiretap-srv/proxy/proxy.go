// Package proxy implements the listener, the per-connection request
// processor and CONNECT interception of the wiretap forward proxy.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/config"
	"github.com/codefionn/wiretap/wiretap-srv/dashboard"
	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"github.com/codefionn/wiretap/wiretap-srv/pipeline"
	"github.com/codefionn/wiretap/wiretap-srv/stats"
	"github.com/codefionn/wiretap/wiretap-srv/tlsengine"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// acceptRetryDelay throttles the accept loop after a temporary accept error.
const acceptRetryDelay = 5 * time.Millisecond

// ErrStopped is returned when Start is called on a stopped proxy.
var ErrStopped = errors.New("proxy stopped")

// Proxy accepts client connections on a plain and an optional secure
// listener and runs every connection through the request processor on its
// own goroutine.
type Proxy struct {
	config     *config.Config
	registry   *pipeline.Registry
	statistics *stats.Statistics
	journal    stats.Journal
	upstream   *upstream
	guard      *dashboard.Guard
	sem        *semaphore.Weighted
	chunkDelay time.Duration
	maxBody    int64
	tlsMode    config.TLSMode

	mu           sync.Mutex
	started      bool
	stopped      bool
	listeners    []net.Listener
	plainAddr    net.Addr
	secureAddr   net.Addr
	secureConfig *tls.Config
	group        errgroup.Group
	acceptCtx    context.Context
	cancelAccept context.CancelFunc
	stopWatch    func() bool
	stopOnce     sync.Once
	stopErr      error
}

// NewProxy creates a proxy from cfg. A nil journal discards transactions and a
// nil statistics collector is replaced by a fresh one titled from cfg.
func NewProxy(cfg *config.Config, registry *pipeline.Registry, statistics *stats.Statistics, journal stats.Journal) *Proxy {
	if registry == nil {
		registry = pipeline.NewRegistry()
	}
	if statistics == nil {
		statistics = stats.NewStatistics(cfg.StatusPage.Title)
	}
	if journal == nil {
		journal = stats.NewDummyJournal()
	}

	p := &Proxy{
		config:     cfg,
		registry:   registry,
		statistics: statistics,
		journal:    journal,
		upstream:   newUpstream(cfg),
		guard:      dashboard.NewGuard(cfg.StatusPage.JWTSecret),
		chunkDelay: time.Duration(cfg.WriteChunkDelayMillis) * time.Millisecond,
		maxBody:    int64(cfg.MaxRequestBodyBytes),
		tlsMode:    cfg.TLS.Mode,
	}
	if p.tlsMode == "" {
		p.tlsMode = config.TLSModeTerminate
	}
	if cfg.MaxConcurrentConnections > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections))
	}
	p.acceptCtx, p.cancelAccept = context.WithCancel(context.Background())

	for i, fwd := range cfg.Forwards {
		logger.Info("Forward[%d]: %s", i, describeForward(fwd))
	}
	return p
}

func describeForward(fwd config.Forward) string {
	switch f := fwd.(type) {
	case *config.ForwardDefaultNetwork:
		return fmt.Sprintf("type=default-network, domains=%v", f.Domains)
	case *config.ForwardSocks5:
		auth := ""
		if f.Username != nil {
			auth = fmt.Sprintf(", username=%s, password=***", *f.Username)
		}
		return fmt.Sprintf("type=socks5, address=%s%s, domains=%v", f.Address, auth, f.Domains)
	case *config.ForwardProxy:
		auth := ""
		if f.Username != nil {
			auth = fmt.Sprintf(", username=%s, password=***", *f.Username)
		}
		return fmt.Sprintf("type=proxy, address=%s%s, domains=%v", f.Address, auth, f.Domains)
	default:
		return fmt.Sprintf("type=unknown(%T)", fwd)
	}
}

// Registry returns the registry consulted by every connection.
func (p *Proxy) Registry() *pipeline.Registry {
	return p.registry
}

// Statistics returns the collector outcomes are recorded into.
func (p *Proxy) Statistics() *stats.Statistics {
	return p.statistics
}

// Start binds the plain listener and, when the registry carries a TLS identity
// and a secure port is configured, the secure listener, then serves both in
// the background. Bind failures are returned as errors matching ErrBind after
// every listener opened so far has been closed. Cancelling ctx stops the proxy.
func (p *Proxy) Start(ctx context.Context) error {
	plain, err := listen(ctx, p.config.ListenAddress, p.config.Port, p.config.Backlog)
	if err != nil {
		bindErr := NewBindError(fmt.Errorf("%s:%d: %w", p.config.ListenAddress, p.config.Port, err))
		logger.Error("Failed to start proxy: %v", bindErr)
		return bindErr
	}

	var secure net.Listener
	if p.registry.Identity() != nil && p.config.SecurePort != 0 {
		secure, err = listen(ctx, p.config.ListenAddress, p.config.SecurePort, p.config.Backlog)
		if err != nil {
			bindErr := NewBindError(fmt.Errorf("%s:%d: %w", p.config.ListenAddress, p.config.SecurePort, err))
			logger.Error("Failed to start secure listener: %v", bindErr)
			if closeErr := plain.Close(); closeErr != nil {
				logger.Error("Error closing listener %s: %v", plain.Addr(), closeErr)
			}
			return bindErr
		}
	}

	return p.serve(ctx, plain, secure)
}

// StartWithListener serves a caller-provided listener as the plain listener.
func (p *Proxy) StartWithListener(ctx context.Context, listener net.Listener) error {
	return p.serve(ctx, listener, nil)
}

func (p *Proxy) serve(ctx context.Context, plain, secure net.Listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.started {
		_ = plain.Close()
		if secure != nil {
			_ = secure.Close()
		}
		if p.stopped {
			return ErrStopped
		}
		return fmt.Errorf("proxy already started")
	}
	p.started = true

	// In-flight connections outlive shutdown; only the accept loops stop.
	workerCtx := context.WithoutCancel(ctx)
	p.stopWatch = context.AfterFunc(ctx, func() {
		if err := p.Stop(); err != nil {
			logger.Error("Error stopping proxy: %v", err)
		}
	})

	p.listeners = append(p.listeners, plain)
	p.plainAddr = plain.Addr()
	p.group.Go(func() error {
		return p.acceptLoop(workerCtx, plain, false)
	})

	if secure != nil {
		p.secureConfig = &tls.Config{Certificates: []tls.Certificate{*p.registry.Identity()}}
		p.listeners = append(p.listeners, secure)
		p.secureAddr = secure.Addr()
		p.group.Go(func() error {
			return p.acceptLoop(workerCtx, secure, true)
		})
	}
	return nil
}

func (p *Proxy) acceptLoop(ctx context.Context, listener net.Listener, secure bool) error {
	kind := "plain"
	if secure {
		kind = "secure"
	}
	logger.Info("Starting %s proxy listener on %s", kind, listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("Listener %s closed", listener.Addr())
				return nil
			}
			logger.Error("Accept on %s failed: %v", listener.Addr(), err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		logger.Trace("Accepted connection from %s", conn.RemoteAddr())

		if p.sem != nil {
			if err := p.sem.Acquire(p.acceptCtx, 1); err != nil {
				_ = conn.Close()
				return nil
			}
		}
		go p.handleConn(ctx, conn, secure)
	}
}

func (p *Proxy) handleConn(ctx context.Context, conn net.Conn, secure bool) {
	if p.sem != nil {
		defer p.sem.Release(1)
	}
	if secure {
		conn = tlsengine.Server(conn, p.secureConfig)
	}
	newConnection(p, conn).process(ctx)
}

// Addr returns the address of the plain listener, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plainAddr
}

// SecureAddr returns the address of the secure listener, or nil when none is bound.
func (p *Proxy) SecureAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.secureAddr
}

// Stop closes the listeners. It does not wait for or cancel connections in
// flight. Calling it again returns the result of the first call.
func (p *Proxy) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		p.stopped = true
		if p.stopWatch != nil {
			p.stopWatch()
		}
		p.cancelAccept()

		var result *multierror.Error
		for _, l := range p.listeners {
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, fmt.Errorf("closing listener %s: %w", l.Addr(), err))
			}
		}
		p.upstream.close()
		p.stopErr = result.ErrorOrNil()
		logger.Info("Proxy stopped")
	})
	return p.stopErr
}

// Wait blocks until every accept loop has returned.
func (p *Proxy) Wait() error {
	return p.group.Wait()
}
