// Package server hosts the telephony-facing HTTP listener: one WebSocket
// endpoint per enabled vendor dialect, plus the metrics and health routes.
//
// Each accepted WebSocket connection gets its own adapter instance and its
// own bridge. The connection's reader goroutine feeds decoded wire messages
// into the bridge; the bridge's run goroutine drives the call. Shutdown
// cancels the run context so every bridge ends its call with a shutdown
// reason, then drains within the configured grace.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxduct/voxduct/internal/bridge"
	"github.com/voxduct/voxduct/internal/health"
	"github.com/voxduct/voxduct/internal/observe"
	"github.com/voxduct/voxduct/internal/pool"
	"github.com/voxduct/voxduct/internal/recording"
	"github.com/voxduct/voxduct/pkg/protocol"
	"github.com/voxduct/voxduct/pkg/protocol/mediawire"
	"github.com/voxduct/voxduct/pkg/protocol/voicegate"
	"github.com/voxduct/voxduct/pkg/vad"
)

const (
	// wireWriteTimeout bounds one telephony socket write.
	wireWriteTimeout = 5 * time.Second

	// drainGrace bounds the shutdown call drain.
	drainGrace = 10 * time.Second
)

// Config holds the listener settings.
type Config struct {
	// ListenAddr is the TCP address to listen on.
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// MediawirePath and VoicegatePath are the WebSocket routes for the
	// vendor dialects. An empty path disables the endpoint.
	MediawirePath string
	VoicegatePath string

	// Bridge is the per-call configuration handed to every bridge.
	Bridge bridge.Config
}

// Server accepts telephony connections and bridges them upstream.
type Server struct {
	cfg        Config
	pool       *pool.Pool
	recorder   recording.Recorder
	metrics    *observe.Metrics
	classifier vad.Classifier
	healthh    *health.Handler
	registry   *Registry
}

// New creates a Server. healthHandler and classifier may be nil.
func New(cfg Config, p *pool.Pool, rec recording.Recorder, m *observe.Metrics, healthHandler *health.Handler, classifier vad.Classifier) *Server {
	if rec == nil {
		rec = recording.Nop{}
	}
	if healthHandler == nil {
		healthHandler = health.New()
	}
	return &Server{
		cfg:        cfg,
		pool:       p,
		recorder:   rec,
		metrics:    m,
		classifier: classifier,
		healthh:    healthHandler,
		registry:   NewRegistry(),
	}
}

// Registry exposes the active call registry.
func (s *Server) Registry() *Registry { return s.registry }

// Run serves until ctx is cancelled, then drains active calls and shuts the
// listener down.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	// Media endpoints hijack the connection, so they bypass the HTTP
	// middleware and hang off the root mux directly.
	if s.cfg.MediawirePath != "" {
		mux.HandleFunc("GET "+s.cfg.MediawirePath, s.handleStream(ctx, func() protocol.Adapter { return mediawire.New() }))
	}
	if s.cfg.VoicegatePath != "" {
		mux.HandleFunc("GET "+s.cfg.VoicegatePath, s.handleStream(ctx, func() protocol.Adapter { return voicegate.New() }))
	}

	ops := http.NewServeMux()
	ops.Handle("GET /metrics", promhttp.Handler())
	s.healthh.Register(ops)
	var opsHandler http.Handler = ops
	if s.metrics != nil {
		opsHandler = observe.Middleware(s.metrics)(ops)
	}
	mux.Handle("GET /metrics", opsHandler)
	mux.Handle("GET /healthz", opsHandler)
	mux.Handle("GET /readyz", opsHandler)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()

		drainCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
		defer cancel()
		if remaining := s.registry.Drain(drainCtx); remaining > 0 {
			slog.Warn("shutdown drain incomplete", "calls_open", remaining)
		}

		shutCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(shutCtx)
	})

	slog.Info("server listening",
		"addr", s.cfg.ListenAddr,
		"mediawire", s.cfg.MediawirePath,
		"voicegate", s.cfg.VoicegatePath,
		"tls", s.cfg.CertFile != "")

	return g.Wait()
}

// handleStream returns the WebSocket handler for one vendor dialect. runCtx
// is the server's run context; cancelling it ends every call.
func (s *Server) handleStream(runCtx context.Context, newAdapter func() protocol.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
			return
		}

		adapter := newAdapter()
		slog.Info("telephony connection accepted", "vendor", adapter.Vendor(), "remote", r.RemoteAddr)
		s.serveCall(runCtx, c, adapter)
	}
}

// serveCall runs one call: a reader goroutine feeding the bridge and the
// bridge's own run loop. Returns when the call has fully torn down.
func (s *Server) serveCall(runCtx context.Context, c *websocket.Conn, adapter protocol.Adapter) {
	callCtx, cancel := context.WithCancel(runCtx)
	defer cancel()

	var writeMu sync.Mutex
	send := func(ctx context.Context, msgs [][]byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		for _, msg := range msgs {
			wctx, wcancel := context.WithTimeout(ctx, wireWriteTimeout)
			err := c.Write(wctx, websocket.MessageText, msg)
			wcancel()
			if err != nil {
				return fmt.Errorf("server: wire write: %w", err)
			}
		}
		return nil
	}

	b := bridge.New(adapter, send, s.pool, s.recorder, s.metrics, s.classifier, s.cfg.Bridge)
	s.registry.Add(b)
	defer s.registry.Remove(b)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			_, data, err := c.Read(callCtx)
			if err != nil {
				b.InputClosed()
				return
			}
			b.HandleWire(data)
		}
	}()

	if err := b.Run(callCtx); err != nil {
		slog.Warn("bridge exited with error", "vendor", adapter.Vendor(), "call_id", b.CallID(), "err", err)
	}

	// The call is over; unblock the reader and close the socket.
	cancel()
	c.Close(websocket.StatusNormalClosure, "call ended")
	wg.Wait()
}
