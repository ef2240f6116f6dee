package application

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/darkrelay-go/internal/config"
	"github.com/lk2023060901/darkrelay-go/internal/network/acceptor"
	"github.com/lk2023060901/darkrelay-go/internal/relay"
	"github.com/lk2023060901/darkrelay-go/pkg/log"
	"github.com/lk2023060901/darkrelay-go/pkg/metrics"
)

// metricsShutdownTimeout bounds the graceful stop of the metrics endpoint.
const metricsShutdownTimeout = 5 * time.Second

// Application is the runtime container of a DarkRelay server.
// It owns the listeners, the acceptors and the relay state for one process.
type Application struct {
	cfg    *config.Config
	server *relay.Server

	tcp *acceptor.BaseAcceptor
	ws  *acceptor.WSAcceptor

	tcpLn     net.Listener
	wsLn      net.Listener
	metricsLn net.Listener

	ready chan struct{}
}

// New creates an Application from a validated configuration.
// Nothing is bound until Run is called.
func New(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("application: config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	server, err := relay.NewServer(cfg.RelayOptions())
	if err != nil {
		return nil, err
	}
	c, err := cfg.BuildCodec()
	if err != nil {
		return nil, err
	}
	tcp, err := acceptor.NewBaseAcceptor(cfg.AcceptorConfig(), c)
	if err != nil {
		return nil, err
	}

	a := &Application{
		cfg:    cfg,
		server: server,
		tcp:    tcp,
		ready:  make(chan struct{}),
	}
	if cfg.WSAddr != "" {
		a.ws = acceptor.NewWSAcceptor(tcp)
	}
	return a, nil
}

// InitLogging replaces the process-wide logger according to cfg.
func InitLogging(cfg *log.Config) error {
	logger, props, err := log.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// Server returns the relay state owned by the application.
func (a *Application) Server() *relay.Server {
	return a.server
}

// Ready is closed once every listener is bound.
func (a *Application) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound TCP address, valid after Ready.
func (a *Application) Addr() net.Addr {
	return a.tcpLn.Addr()
}

// WSAddr returns the bound WebSocket address, nil when WebSocket is disabled.
func (a *Application) WSAddr() net.Addr {
	if a.wsLn == nil {
		return nil
	}
	return a.wsLn.Addr()
}

// MetricsAddr returns the bound metrics address, nil when metrics are disabled.
func (a *Application) MetricsAddr() net.Addr {
	if a.metricsLn == nil {
		return nil
	}
	return a.metricsLn.Addr()
}

// Run binds every listener and serves until ctx is canceled or one of the
// servers fails. Open sessions get shutdown_linger to flush before Run returns.
func (a *Application) Run(ctx context.Context) error {
	if err := a.listen(); err != nil {
		a.closeListeners()
		return err
	}
	metrics.Register(prometheus.DefaultRegisterer)
	close(a.ready)

	log.Info("darkrelay started",
		zap.Stringer("addr", a.Addr()),
		zap.String("ws_addr", a.cfg.WSAddr),
		zap.String("metrics_addr", a.cfg.MetricsAddr),
		zap.String("config", a.cfg.Source()),
		zap.Bool("compression", a.cfg.Codec.Compression),
		zap.Bool("encryption", a.cfg.Codec.Encryption))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.tcp.Serve(gctx, a.tcpLn, a.server)
	})
	if a.ws != nil {
		g.Go(func() error {
			return a.ws.Serve(gctx, a.wsLn, a.server)
		})
	}
	if a.metricsLn != nil {
		g.Go(func() error {
			return a.serveMetrics(gctx)
		})
	}

	err := g.Wait()
	if cerr := a.tcp.Close(); cerr != nil {
		log.Warn("close acceptor", zap.Error(cerr))
	}
	log.Info("darkrelay stopped", zap.Error(err))
	return err
}

func (a *Application) listen() error {
	var err error
	if a.tcpLn, err = acceptor.Listen(a.cfg.Addr); err != nil {
		return err
	}
	if a.ws != nil {
		if a.wsLn, err = acceptor.Listen(a.cfg.WSAddr); err != nil {
			return err
		}
	}
	if a.cfg.MetricsAddr != "" {
		if a.metricsLn, err = net.Listen("tcp", a.cfg.MetricsAddr); err != nil {
			return errors.Wrapf(err, "listen metrics %s", a.cfg.MetricsAddr)
		}
	}
	return nil
}

func (a *Application) closeListeners() {
	for _, ln := range []net.Listener{a.tcpLn, a.wsLn, a.metricsLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func (a *Application) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	log.Info("metrics serving", zap.Stringer("addr", a.metricsLn.Addr()))
	if err := srv.Serve(a.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve metrics")
	}
	return nil
}
