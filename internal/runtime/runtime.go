package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/eventstore"
	"github.com/loqalabs/voicebridge/internal/llm"
	"github.com/loqalabs/voicebridge/internal/meeting"
	"github.com/loqalabs/voicebridge/internal/natsserver"
	"github.com/loqalabs/voicebridge/internal/playback"
	"github.com/loqalabs/voicebridge/internal/stt"
	"github.com/loqalabs/voicebridge/internal/tts"
	"github.com/loqalabs/voicebridge/internal/turn"
)

// service is a bus-attached worker owned by the runtime.
type service interface {
	Start() error
	Close()
	Healthy() bool
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	listener    net.Listener
	telemetry   *telemetry
	ready       atomic.Bool
	attached    atomic.Bool
	wg          sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	services   []service
	controller *turn.Controller
	closers    []func()
	started    chan struct{}
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Addr is the bound HTTP address, valid once Started is closed.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Started is closed once the HTTP server is accepting requests.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Start brings the runtime up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startBackends(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", tel.metrics)
	api := &turnAPI{controller: r.controller, store: r.store, attached: &r.attached, logger: r.logger.With(slog.String("component", "http"))}
	api.register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = listener
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		r.serveMetrics(ctx, bind, tel.metrics)
	}

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()
	return nil
}

func (r *Runtime) startBackends(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	if err := store.Ensure(); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return err
	}
	generator, err := llm.NewGenerator(r.cfg.LLM, r.logger)
	if err != nil {
		return err
	}
	direct := llm.NewDirect(generator, r.cfg.LLM)
	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return err
	}

	r.services = []service{
		stt.NewService(ctx, r.cfg.STT, client, recognizer, r.logger),
		llm.NewService(ctx, client, direct, r.logger),
		tts.NewService(ctx, r.cfg.TTS, client, synth, r.logger),
	}
	for _, svc := range r.services {
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start service: %w", err)
		}
	}

	var completer llm.Completer = direct
	if r.cfg.LLM.Transport == "bus" {
		completer = llm.NewBusCompleter(client, r.cfg.LLM)
	}

	speaker, closeSpeaker, err := playback.NewSpeaker(r.cfg.Playback, client, r.logger)
	if err != nil {
		return fmt.Errorf("build speaker: %w", err)
	}
	r.closers = append(r.closers, closeSpeaker)

	capture, err := stt.NewCapture(r.cfg.STT, client, r.logger)
	if err != nil {
		return fmt.Errorf("build capture: %w", err)
	}
	if bc, ok := capture.(*stt.BusCapture); ok {
		r.closers = append(r.closers, bc.Close)
	}

	sessionOpts := playback.OptionsFromConfig(r.cfg.Playback, r.logger)
	opts := turn.Options{
		Continuous:   r.cfg.Turn.Continuous,
		MaxLength:    sessionOpts.MaxLength,
		Template:     sessionOpts.Template,
		ChunkTimeout: sessionOpts.ChunkTimeout,
		Recorder:     store,
		Logger:       r.logger,
	}
	if r.cfg.Turn.BroadcastBus {
		opts.Publisher = client
	}
	controller, err := turn.NewController(capture, completer, speaker, opts)
	switch {
	case errors.Is(err, stt.ErrCaptureUnsupported):
		r.logger.Warn("speech capture unsupported; turn controls disabled")
	case err != nil:
		return fmt.Errorf("build turn controller: %w", err)
	default:
		r.controller = controller
	}

	return r.attachMeeting(ctx)
}

// attachMeeting enables the turn controls immediately without a meeting, or
// once the configured meeting has admitted the bot.
func (r *Runtime) attachMeeting(ctx context.Context) error {
	if r.cfg.Meeting.URL == "" {
		r.attached.Store(true)
		return nil
	}
	join, err := meeting.NewJoinRequest(r.cfg.Meeting)
	if err != nil {
		return err
	}
	host, err := meeting.NewBusHost(r.bus, join.Link.MeetingNumber, r.logger)
	if err != nil {
		return err
	}
	r.closers = append(r.closers, host.Close)
	r.logger.Info("waiting for meeting session",
		slog.String("meeting_number", join.Link.MeetingNumber),
		slog.String("user_name", join.UserName),
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := meeting.AttachWhenReady(ctx, host, func() {
			r.attached.Store(true)
			r.logger.Info("turn controls attached", slog.String("meeting_number", join.Link.MeetingNumber))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("meeting attach failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (r *Runtime) serveMetrics(ctx context.Context, bind string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer r.wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// shutdown releases everything startBackends acquired, newest first.
func (r *Runtime) shutdown() {
	if r.controller != nil {
		r.controller.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	for i := len(r.services) - 1; i >= 0; i-- {
		r.services[i].Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetry.Shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.bus == nil || !r.bus.Healthy() {
		return false
	}
	for _, svc := range r.services {
		if !svc.Healthy() {
			return false
		}
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
