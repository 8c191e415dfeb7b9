// Package runtime assembles the sign service from its configuration and runs
// it until the context is cancelled.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/cue"
	"github.com/loqalabs/loqa-sign/internal/eventstore"
	"github.com/loqalabs/loqa-sign/internal/httpapi"
	"github.com/loqalabs/loqa-sign/internal/inventory"
	"github.com/loqalabs/loqa-sign/internal/lexicon"
	"github.com/loqalabs/loqa-sign/internal/natsserver"
	"github.com/loqalabs/loqa-sign/internal/presentation"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/recognition"
	"github.com/loqalabs/loqa-sign/internal/session"
	"github.com/loqalabs/loqa-sign/internal/staging"
	"github.com/loqalabs/loqa-sign/internal/stt"
	"github.com/loqalabs/loqa-sign/internal/translate"
	"github.com/loqalabs/loqa-sign/internal/tts"
	"github.com/nats-io/nats.go"
	"golang.org/x/text/language"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	index     *inventory.Index
	stager    *staging.Stager
	stt       *stt.Service
	announcer *tts.Announcer
	cue       cue.Player
	hub       *presentation.Hub
	kafka     *presentation.KafkaSink
	sessions  *session.Manager
	control   []*nats.Subscription
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component and blocks until ctx is cancelled. An
// unusable inventory root is returned wrapped in inventory.ErrRootUnavailable.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	shutdownTelemetry, metricHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	pipeline, err := r.startTranslation(ctx)
	if err != nil {
		return err
	}
	if err := r.startBus(ctx); err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	source, err := r.startRecognition(ctx)
	if err != nil {
		return err
	}
	if err := r.startPlayback(ctx); err != nil {
		return err
	}
	sink, err := r.startSinks()
	if err != nil {
		return err
	}

	deps := session.Deps{
		Recognizer: source,
		Translator: pipeline,
		Sink:       sink,
		Cue:        r.cue,
	}
	if r.announcer != nil {
		deps.Announcer = r.announcer
	}
	var purger session.Purger
	if !r.cfg.Staging.RetainAcrossSessions {
		purger = r.stager
	}
	r.sessions = session.NewManager(ctx, deps, session.OptionsFromConfig(r.cfg.Session), purger, r.logger)

	if err := r.subscribeControl(); err != nil {
		return err
	}

	r.startHTTP(metricHandler)
	r.startPruning(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.httpServer.Addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startTranslation(ctx context.Context) (*translate.Pipeline, error) {
	src, err := inventory.NewDirSource(r.cfg.Inventory.Root, r.cfg.Inventory.Extension)
	if err != nil {
		return nil, err
	}
	lang := language.Make(r.cfg.Resolver.Language)
	r.index, err = inventory.Load(ctx, src, inventory.Options{
		Lazy:        r.cfg.Inventory.Lazy,
		Concurrency: r.cfg.Inventory.LoadConcurrency,
		Language:    lang,
	}, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}

	r.stager, err = staging.New(r.cfg.Staging.Directory, r.cfg.Staging.URLPrefix, r.cfg.Inventory.Extension)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare staging directory: %w", err)
	}
	if !r.cfg.Staging.RetainAcrossSessions {
		if err := r.stager.Clear(); err != nil {
			r.logger.Warn("failed to clear staged clips", slog.String("error", err.Error()))
		}
	}

	opts := []lexicon.Option{
		lexicon.WithCutoff(r.cfg.Resolver.SimilarityCutoff),
		lexicon.WithLanguage(lang),
	}
	if len(r.cfg.Resolver.Suffixes) > 0 {
		opts = append(opts, lexicon.WithSuffixes(r.cfg.Resolver.Suffixes))
	}
	resolver := lexicon.New(r.index, opts...)
	return translate.New(resolver, r.index, r.stager, lang, r.logger), nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	busCfg := r.cfg.Bus
	if url := r.nats.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nil
}

func (r *Runtime) startRecognition(ctx context.Context) (recognition.Source, error) {
	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(ctx, r.cfg.STT)
		if err != nil {
			return nil, fmt.Errorf("failed to build stt recognizer: %w", err)
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, r.logger)
		if err := r.stt.Start(); err != nil {
			return nil, fmt.Errorf("failed to start stt service: %w", err)
		}
	}

	switch r.cfg.Recognition.Mode {
	case "exec":
		src, err := recognition.NewExecSource(r.cfg.Recognition.Command, r.cfg.Recognition.Language)
		if err != nil {
			return nil, fmt.Errorf("failed to build recognition source: %w", err)
		}
		return src, nil
	case "bus":
		return recognition.NewBusSource(r.bus.Conn(), r.cfg.Recognition.Language, r.logger), nil
	default:
		r.logger.Info("using scripted recognition", slog.Int("phrases", len(r.cfg.Recognition.MockPhrases)))
		return recognition.NewScripted(r.cfg.Recognition.MockPhrases...), nil
	}
}

func (r *Runtime) startPlayback(ctx context.Context) error {
	switch r.cfg.Cue.Mode {
	case "exec":
		player, err := cue.NewExecPlayer(r.cfg.Cue.Command, r.logger)
		if err != nil {
			return fmt.Errorf("failed to build cue player: %w", err)
		}
		r.cue = player
	default:
		r.cue = cue.Nop{}
	}
	for _, path := range []string{r.cfg.Session.StartCue, r.cfg.Session.EndCue} {
		if path == "" {
			continue
		}
		if err := cue.Check(path); err != nil {
			r.logger.Warn("cue file unusable", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	if !r.cfg.Readback.Enabled {
		return nil
	}
	synth, err := tts.NewSynthesizer(r.cfg.Readback)
	if err != nil {
		return fmt.Errorf("failed to build readback voice: %w", err)
	}
	r.announcer = tts.NewAnnouncer(ctx, r.cfg.Readback, r.bus, synth, r.logger)
	return nil
}

func (r *Runtime) startSinks() (presentation.Sink, error) {
	sinks := presentation.Multi{r.store}
	if r.cfg.Sinks.Bus {
		sinks = append(sinks, presentation.NewBusSink(r.bus.Conn()))
	}
	if r.cfg.Sinks.Websocket {
		r.hub = presentation.NewHub(r.logger)
		sinks = append(sinks, r.hub)
	}
	if r.cfg.Sinks.Kafka.Enabled {
		k, err := presentation.NewKafkaSink(r.cfg.Sinks.Kafka.Brokers, r.cfg.Sinks.Kafka.Topic, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build kafka sink: %w", err)
		}
		r.kafka = k
		sinks = append(sinks, k)
	}
	return sinks, nil
}

// subscribeControl lets bus clients drive sessions. A request with a reply
// subject gets {"status": bool, "error": "..."} back.
func (r *Runtime) subscribeControl() error {
	actions := map[string]func(string) error{
		protocol.SubjectSessionStart:    r.sessions.Start,
		protocol.SubjectSessionContinue: r.sessions.Continue,
		protocol.SubjectSessionStop:     r.sessions.Stop,
	}
	for subject, action := range actions {
		sub, err := r.bus.Conn().Subscribe(subject, r.controlHandler(subject, action))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.control = append(r.control, sub)
	}
	return nil
}

func (r *Runtime) controlHandler(subject string, action func(string) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var cmd protocol.SessionCommand
		err := json.Unmarshal(msg.Data, &cmd)
		if err == nil {
			err = action(cmd.SessionID)
		}
		if err != nil {
			r.logger.Warn("session command rejected",
				slog.String("subject", subject),
				slog.String("session_id", cmd.SessionID),
				slog.String("error", err.Error()))
		}
		if msg.Reply == "" {
			return
		}
		reply := map[string]any{"status": err == nil}
		if err != nil {
			reply["error"] = err.Error()
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			r.logger.Warn("failed to reply to session command", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) startHTTP(metricHandler http.Handler) {
	deps := httpapi.Deps{
		Sessions:  r.sessions,
		Inventory: r.index,
		Journal:   r.store,
		ClipsDir:  r.stager.Root(),
		ClipsURL:  r.cfg.Staging.URLPrefix,
		Ready:     r.healthy,
	}
	if r.hub != nil {
		deps.Events = r.hub
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           httpapi.New(deps, r.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricHandler == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricHandler)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.metricsServer, "metrics")
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// startPruning reapplies the journal retention while the service runs.
func (r *Runtime) startPruning(ctx context.Context) {
	if r.cfg.EventStore.RetentionMode == "ephemeral" {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return r.stt == nil || r.stt.Healthy()
}

// shutdown stops whatever Start managed to build, in reverse order.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	for _, sub := range r.control {
		_ = sub.Unsubscribe()
	}
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.announcer != nil {
		r.announcer.Close()
	}
	if p, ok := r.cue.(*cue.ExecPlayer); ok {
		p.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.kafka != nil {
		if err := r.kafka.Close(); err != nil {
			r.logger.Warn("kafka sink close error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
