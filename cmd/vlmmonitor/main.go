package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/vlmmonitor/core/internal/asr"
	"github.com/vlmmonitor/core/internal/config"
	"github.com/vlmmonitor/core/internal/delivery"
	"github.com/vlmmonitor/core/internal/distributor"
	"github.com/vlmmonitor/core/internal/health"
	"github.com/vlmmonitor/core/internal/ingest"
	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/mcp"
	"github.com/vlmmonitor/core/internal/media"
	"github.com/vlmmonitor/core/internal/scheduler"
	"github.com/vlmmonitor/core/internal/store"
	"github.com/vlmmonitor/core/internal/tts"
	"github.com/vlmmonitor/core/internal/types"
	"github.com/vlmmonitor/core/internal/userquestion"
	"github.com/vlmmonitor/core/internal/vlm"
	"github.com/vlmmonitor/core/internal/workerpool"
)

var (
	version = "0.1.0"
	cfgFile string

	flagOutputDir  string
	flagStreamType string
	flagASR        bool
	flagTTS        bool
	flagSentry     bool
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "vlmmonitor",
	Short: "VLM Monitor",
	Long:  `VLM Monitor - real-time camera-to-vision-language-model monitoring pipeline`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the monitoring pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		runMonitor(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vlmmonitor v%s\n", version)
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the configuration file without starting the pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		validateConfig()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running instance's /api/status endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/vlmmonitor/vlmmonitor.yaml)")

	runCmd.Flags().StringVar(&flagOutputDir, "output-dir", "", "override the configured session output directory")
	runCmd.Flags().StringVar(&flagStreamType, "stream-type", "", "override the configured upstream frame protocol")
	runCmd.Flags().BoolVar(&flagASR, "asr", false, "enable the ASR question-intake server regardless of config")
	runCmd.Flags().BoolVar(&flagTTS, "tts", false, "enable the TTS forwarding worker regardless of config")
	runCmd.Flags().BoolVar(&flagSentry, "sentry", false, "start with sentry mode (MCP trigger) enabled regardless of config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(statusCmd)
}

// applyFlagOverrides layers CLI flags the user actually set on top of
// the loaded config, per spec.md §6's CLI surface.
func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command) {
	if cmd.Flags().Changed("output-dir") {
		cfg.OutputDir = flagOutputDir
	}
	if cmd.Flags().Changed("stream-type") {
		cfg.StreamProtocol = flagStreamType
	}
	if cmd.Flags().Changed("asr") {
		cfg.ASREnabled = flagASR
	}
	if cmd.Flags().Changed("tts") {
		cfg.TTSEnabled = flagTTS
	}
	if cmd.Flags().Changed("sentry") {
		cfg.MCPEnabled = flagSentry
	}
}

// checkStatus fetches /api/status from a running instance's HTTP
// listen address, loading the config only to know which address to
// ask (mirrors the teacher's config-driven `status` subcommand, but
// against a live process instead of enrollment state).
func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.HTTPListenAddr + "/api/status")
	if err != nil {
		fmt.Printf("Status: unreachable (%v)\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		fmt.Printf("Status: malformed response (%v)\n", err)
		os.Exit(1)
	}
	fmt.Printf("Status: running\n%s\n", mustMarshalIndent(env))
}

func mustMarshalIndent(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	var output *os.File = os.Stdout
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = f
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}

func validateConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config OK: stream=%s:%d media_mode=%s dispatch_mode=%s\n", cfg.StreamHost, cfg.StreamPort, cfg.MediaMode, cfg.DispatchMode)
}

// pipeline bundles every long-running component runMonitor wires
// together, so shutdown can stop them in dependency order.
type pipeline struct {
	session *types.Session
	health  *health.Monitor
	dist    *distributor.Distributor

	reader    *ingest.Reader
	packager  *media.Packager
	sched     *scheduler.Scheduler
	store     *store.Store
	artifacts chan *types.MediaArtifact

	questions *userquestion.Registry

	httpServer *delivery.HTTPServer
	asrServer  *asr.Server
	ttsWorker  *tts.Worker

	checkpointPool *workerpool.CheckpointPool
}

// compositeSink fans a finished InferenceRecord out to the result
// store (durable, on-disk) and the delivery hub (live WebSocket
// broadcast), satisfying the scheduler's single-method Sink contract.
type compositeSink struct {
	store *store.Store
	hub   *delivery.Hub
}

func (c *compositeSink) Record(rec *types.InferenceRecord) {
	c.store.Record(rec)
	c.hub.BroadcastInferenceResult(rec)
}

func schedulerSentryTrigger(t config.SentryTrigger) scheduler.SentryTrigger {
	switch t {
	case config.SentryTriggerAlways:
		return scheduler.SentryTriggerAlways
	case config.SentryTriggerOnQuestion, config.SentryTriggerOnKeyword:
		// Keyword-gated sentry triggering depends on ASR transcript
		// content the scheduler doesn't see directly; fold it into
		// on_question until a keyword-matching stage lands upstream.
		return scheduler.SentryTriggerOnQuestion
	default:
		return scheduler.SentryTriggerOff
	}
}

func buildPipeline(cfg *config.Config) (*pipeline, error) {
	startedAt := time.Now()
	session := types.NewSession(cfg.OutputDir, startedAt)

	mon := health.NewMonitor()
	dist := distributor.New()

	reader := ingest.New(ingest.Config{
		Host:       cfg.StreamHost,
		Port:       cfg.StreamPort,
		MinBackoff: cfg.ReconnectMinBackoff,
		MaxBackoff: cfg.ReconnectMaxBackoff,
	}, nil, session, dist, mon)

	packager := media.New(media.Config{
		Mode:                  media.Mode(cfg.MediaMode),
		TargetDurationSeconds: float64(cfg.VideoTargetSeconds),
		SampleRateFPS:         cfg.VideoSampleRateFPS,
		ResizeMaxWidth:        cfg.ResizeWidth,
		ResizeMaxHeight:       cfg.ResizeHeight,
		JPEGQuality:           cfg.JPEGQuality,
	}, dist, session)

	st, err := store.New(session, store.ProcessorConfig{
		MediaMode:       cfg.MediaMode,
		DispatchMode:    cfg.DispatchMode,
		VideoTargetSecs: float64(cfg.VideoTargetSeconds),
		VideoSampleFPS:  cfg.VideoSampleRateFPS,
		VLMModel:        cfg.VLMModel,
	})
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	questions := userquestion.New(cfg.UserQuestionTTL)

	vlmClient := vlm.New(vlm.Config{
		BaseURL: cfg.VLMBaseURL,
		APIKey:  cfg.VLMAPIKey,
		Model:   cfg.VLMModel,
	})

	mcpBridge := mcp.New(cfg.MCPBaseURL, cfg.MCPCallTimeout)

	// The Hub is built before the Scheduler so the composite sink can
	// reach it, then handed into the HTTP server alongside the
	// Scheduler once both exist.
	hub := delivery.NewHub(dist)

	artifacts := make(chan *types.MediaArtifact, 1)
	sched := scheduler.New(scheduler.Config{
		Mode:             scheduler.Mode(cfg.DispatchMode),
		MaxConcurrent:    cfg.MaxConcurrentVLM,
		InferenceTimeout: cfg.InferenceTimeout,
		MCPEnabled:       cfg.MCPEnabled,
		SentryTrigger:    schedulerSentryTrigger(cfg.SentryMCPTrigger),
	}, artifacts, vlmClient, mcpBridge, &compositeSink{store: st, hub: hub}, questions)

	httpServer := delivery.NewHTTPServerWithHub(cfg.HTTPListenAddr, hub, dist, st, sched, mon)

	var asrServer *asr.Server
	if cfg.ASREnabled {
		asrServer = asr.New(asr.Config{ListenAddr: cfg.ASRListenAddr}, questions)
	}

	var ttsWorker *tts.Worker
	if cfg.TTSEnabled {
		ttsWorker = tts.New(tts.Config{
			Host:        cfg.TTSBaseURL,
			Endpoint:    cfg.TTSEndpoint,
			CallTimeout: cfg.TTSCallTimeout,
			MaxRetries:  cfg.TTSMaxRetries,
		}, st)
	}

	return &pipeline{
		session:        session,
		health:         mon,
		dist:           dist,
		reader:         reader,
		packager:       packager,
		sched:          sched,
		store:          st,
		artifacts:      artifacts,
		questions:      questions,
		httpServer:     httpServer,
		asrServer:      asrServer,
		ttsWorker:      ttsWorker,
		checkpointPool: workerpool.New(4),
	}, nil
}

// feedArtifacts registers each packaged artifact with the store
// (so latest_media() observes it pre-dispatch) before handing it to
// the scheduler's dispatch algorithm.
func feedArtifacts(ctx context.Context, p *pipeline, out chan<- *types.MediaArtifact) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-p.packager.Ready():
			if !ok {
				return
			}
			p.store.PutMedia(a)
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}
}

func runCheckpointLoop(ctx context.Context, p *pipeline) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkpointPool.Submit(p.store.Checkpoint)
		}
	}
}

func runMonitor(cmd *cobra.Command) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, cmd)

	initLogging(cfg)

	log.Info("starting vlmmonitor",
		"version", version,
		"stream", fmt.Sprintf("%s:%d", cfg.StreamHost, cfg.StreamPort),
		"media_mode", cfg.MediaMode,
		"dispatch_mode", cfg.DispatchMode,
	)

	p, err := buildPipeline(cfg)
	if err != nil {
		log.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	log.Info("session started", "sessionId", p.session.ID, "dir", p.session.Dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.reader.Run(ctx)
	go p.packager.Run(ctx)
	go p.sched.Run(ctx)
	go feedArtifacts(ctx, p, p.artifacts)
	go runCheckpointLoop(ctx, p)

	go func() {
		if err := p.httpServer.Run(); err != nil && !isServerClosed(err) {
			log.Error("http server stopped with error", "error", err)
		}
	}()

	var asrHTTP *http.Server
	if p.asrServer != nil {
		r := chi.NewRouter()
		p.asrServer.Routes(r)
		asrHTTP = &http.Server{Addr: cfg.ASRListenAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := asrHTTP.ListenAndServe(); err != nil && !isServerClosed(err) {
				log.Error("asr server stopped with error", "error", err)
			}
		}()
		log.Info("asr intake listening", "addr", cfg.ASRListenAddr)
	}

	if p.ttsWorker != nil {
		go p.ttsWorker.Run(ctx)
		log.Info("tts worker started")
	}

	log.Info("vlmmonitor is running", "http_addr", cfg.HTTPListenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down vlmmonitor")

	cancel()
	p.reader.Stop()
	p.packager.Stop()
	p.sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}
	if asrHTTP != nil {
		if err := asrHTTP.Shutdown(shutdownCtx); err != nil {
			log.Warn("asr server shutdown error", "error", err)
		}
	}

	p.checkpointPool.StopAccepting()
	p.checkpointPool.Drain(shutdownCtx)

	if err := p.store.Checkpoint(); err != nil {
		log.Warn("final checkpoint failed", "error", err)
	}

	log.Info("vlmmonitor stopped")
}

func isServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}
