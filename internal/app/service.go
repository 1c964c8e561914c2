// Package app wires the engine together: startup sequencing, stream
// supervision, fill routing, operator projections and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liqCascadeBot/config"
	"liqCascadeBot/internal/aggregator"
	"liqCascadeBot/internal/intake"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/position"
	"liqCascadeBot/internal/ratelimit"
	"liqCascadeBot/internal/reconciler"
	"liqCascadeBot/internal/risk"
	"liqCascadeBot/internal/strategy"
)

// ErrShutdownTimeout is returned when the hard-stop deadline passes with
// streams still draining. The process maps it to a distinct exit code.
var ErrShutdownTimeout = errors.New("shutdown timed out with undrained work")

// Deps carries the constructed components into the service.
type Deps struct {
	Config    *config.Config
	Logger    ports.Logger
	Client    ports.ExchangeClient
	Governor  *ratelimit.Governor
	LiqRepo   ports.LiquidationRepository
	OrderRepo ports.OrderRepository
	RelRepo   ports.RelationshipRepository
	Windows   *aggregator.Windows
	Intake    *intake.Intake
	Evaluator *strategy.Evaluator
	Engine    *position.Engine
	Risk      *risk.Manager
	Recon     *reconciler.Reconciler
	Router    *FillRouter
}

// Service orchestrates the liquidation-cascade engine.
type Service struct {
	cfg       *config.Config
	logger    ports.Logger
	client    ports.ExchangeClient
	governor  *ratelimit.Governor
	liqRepo   ports.LiquidationRepository
	orderRepo ports.OrderRepository
	relRepo   ports.RelationshipRepository
	windows   *aggregator.Windows
	intake    *intake.Intake
	evaluator *strategy.Evaluator
	engine    *position.Engine
	risk      *risk.Manager
	recon     *reconciler.Reconciler
	router    *FillRouter
}

// New validates the dependency set and creates the service.
func New(d Deps) (*Service, error) {
	if d.Config == nil || d.Logger == nil || d.Client == nil || d.Governor == nil ||
		d.LiqRepo == nil || d.OrderRepo == nil || d.RelRepo == nil ||
		d.Windows == nil || d.Intake == nil || d.Evaluator == nil ||
		d.Engine == nil || d.Risk == nil || d.Recon == nil || d.Router == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	return &Service{
		cfg:       d.Config,
		logger:    d.Logger,
		client:    d.Client,
		governor:  d.Governor,
		liqRepo:   d.LiqRepo,
		orderRepo: d.OrderRepo,
		relRepo:   d.RelRepo,
		windows:   d.Windows,
		intake:    d.Intake,
		evaluator: d.Evaluator,
		engine:    d.Engine,
		risk:      d.Risk,
		recon:     d.Recon,
		router:    d.Router,
	}, nil
}

type stream struct {
	name string
	done chan struct{}
	stop chan struct{}
}

// Start runs the engine until a signal arrives or a stream dies for good.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "starting liquidation cascade engine", map[string]interface{}{
		"simulateOnly": s.cfg.SimulateOnly, "hedgeMode": s.cfg.HedgeMode,
		"symbols": len(s.cfg.Symbols), "window": s.cfg.WindowDuration.String()})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Info(ctx, "received shutdown signal", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	s.evaluator.Start(ctx)
	go s.intake.Run(ctx)

	streams, err := s.startStreams(ctx)
	if err != nil {
		cancel()
		return err
	}

	if !s.cfg.SimulateOnly {
		go s.recon.Run(ctx)
	}

	s.logger.Info(ctx, "engine running")

	// Wait for cancellation or for a supervised stream to give up.
	var deadStream string
	select {
	case <-ctx.Done():
	case deadStream = <-streamDeath(streams):
	}

	cancel()
	if err := s.shutdown(streams); err != nil {
		return err
	}
	if deadStream != "" {
		return fmt.Errorf("%s stopped unexpectedly: %w", deadStream, ports.ErrStreamDisconnected)
	}
	s.logger.Info(context.Background(), "engine stopped")
	return nil
}

// initialize performs connectivity and account setup before any stream
// attaches.
func (s *Service) initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("venue unreachable: %w", err)
	}
	serverTime, err := s.client.GetServerTime(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch server time: %w", err)
	}
	skew := time.Since(serverTime)
	s.logger.Info(ctx, "venue reachable", map[string]interface{}{"clockSkew": skew.String()})
	if skew > 5*time.Second || skew < -5*time.Second {
		s.logger.Warn(ctx, "large clock skew against venue, signed requests may fail",
			map[string]interface{}{"clockSkew": skew.String()})
	}

	if !s.cfg.SimulateOnly {
		// Auth probe: fails fast on bad keys before any order path runs.
		balance, err := s.client.GetAccountBalance(ctx, "USDT")
		if err != nil {
			return fmt.Errorf("account probe failed: %w", err)
		}
		s.logger.Info(ctx, "account authenticated", map[string]interface{}{"usdtBalance": balance})

		if err := s.client.SetPositionMode(ctx, s.cfg.HedgeMode); err != nil {
			return fmt.Errorf("failed to set position mode: %w", err)
		}
		if err := s.client.SetMultiAssetsMode(ctx, s.cfg.MultiAssetsMode); err != nil {
			return fmt.Errorf("failed to set multi-assets mode: %w", err)
		}
	}

	if err := s.windows.Rebuild(ctx, s.liqRepo); err != nil {
		s.logger.Warn(ctx, "failed to rebuild volume windows, starting empty",
			map[string]interface{}{"error": err.Error()})
	}

	if !s.cfg.SimulateOnly {
		if err := s.engine.Recover(ctx); err != nil {
			return fmt.Errorf("tranche recovery failed: %w", err)
		}
	}
	return nil
}

func (s *Service) startStreams(ctx context.Context) ([]stream, error) {
	var streams []stream

	liqDone, liqStop, err := s.client.StreamLiquidations(ctx, s.intake.Handle, s.handleStreamError)
	if err != nil {
		return nil, fmt.Errorf("failed to start liquidation stream: %w", err)
	}
	streams = append(streams, stream{name: "liquidation stream", done: liqDone, stop: liqStop})

	if s.cfg.UsePositionMonitor && !s.cfg.SimulateOnly {
		markDone, markStop, err := s.client.StreamMarkPrices(ctx, func(prices []ports.MarkPrice) {
			s.engine.OnMarkPrices(context.Background(), prices)
		}, s.handleStreamError)
		if err != nil {
			return nil, fmt.Errorf("failed to start mark price stream: %w", err)
		}
		streams = append(streams, stream{name: "mark price stream", done: markDone, stop: markStop})
	}

	if !s.cfg.SimulateOnly {
		userDone, userStop, err := s.client.StreamUserData(ctx, s.router.Handle, s.handleStreamError)
		if err != nil {
			return nil, fmt.Errorf("failed to start user data stream: %w", err)
		}
		streams = append(streams, stream{name: "user data stream", done: userDone, stop: userStop})
	}
	return streams, nil
}

// streamDeath returns a channel that yields the name of the first stream
// whose done channel closes.
func streamDeath(streams []stream) <-chan string {
	out := make(chan string, len(streams))
	for _, st := range streams {
		go func(st stream) {
			<-st.done
			out <- st.name
		}(st)
	}
	return out
}

// shutdown stops every stream and waits for them to drain within the
// configured hard-stop timeout.
func (s *Service) shutdown(streams []stream) error {
	ctx := context.Background()
	s.logger.Info(ctx, "shutting down", map[string]interface{}{
		"timeout": s.cfg.ShutdownTimeout.String()})

	for _, st := range streams {
		select {
		case st.stop <- struct{}{}:
		default:
		}
	}

	deadline := time.After(s.cfg.ShutdownTimeout)
	for _, st := range streams {
		select {
		case <-st.done:
		case <-deadline:
			s.logger.Error(ctx, ErrShutdownTimeout, "stream did not drain before hard stop",
				map[string]interface{}{"stream": st.name, "droppedEvents": s.intake.Dropped()})
			return ErrShutdownTimeout
		}
	}

	s.evaluator.Wait()
	s.logger.Info(ctx, "all streams drained", map[string]interface{}{
		"droppedEvents": s.intake.Dropped()})
	return nil
}

func (s *Service) handleStreamError(err error) {
	s.logger.Error(context.Background(), err, "stream error reported")
}
