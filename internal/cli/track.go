package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/surgagent/surgagent/internal/advisor"
	"github.com/surgagent/surgagent/internal/advisor/gemini"
	"github.com/surgagent/surgagent/internal/cloud/gcp"
	"github.com/surgagent/surgagent/internal/config"
	"github.com/surgagent/surgagent/internal/events"
	"github.com/surgagent/surgagent/internal/loop"
	"github.com/surgagent/surgagent/internal/observability"
	"github.com/surgagent/surgagent/internal/report"
	"github.com/surgagent/surgagent/internal/routing"
	"github.com/surgagent/surgagent/internal/session"
	"github.com/surgagent/surgagent/internal/trace"
)

var trackOffline bool

var trackCmd = &cobra.Command{
	Use:   "track <scenario.yaml>",
	Short: "Run the control loop over a scenario file",
	Long: `Track drives one session through the adaptive control loop. The scenario
file supplies the initial scene, an optional initial strategy, and the
per-frame confidence stream with scene-change and failure injections.

The reasoning trace is appended to trace.jsonl and the finalized summary is
persisted to the session store; the summary is also printed.

With --offline (or no Gemini key) every advisor consultation falls back to
the deterministic path.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrack,
}

func init() {
	trackCmd.Flags().BoolVar(&trackOffline, "offline", false, "skip the Gemini advisor, use deterministic fallbacks only")
	rootCmd.AddCommand(trackCmd)
}

// scenario is the YAML driver input: one session's frames and injections.
type scenario struct {
	Video    string               `yaml:"video"`
	Scene    session.SceneSummary `yaml:"scene"`
	Strategy session.Strategy     `yaml:"strategy"`
	Frames   []scenarioFrame      `yaml:"frames"`
}

type scenarioFrame struct {
	Frame      int     `yaml:"frame"`
	Confidence float64 `yaml:"confidence"`

	// Scene, when set, is installed via a scene-change before the frame.
	Scene *session.SceneSummary `yaml:"scene,omitempty"`

	// Failure, when set, injects a failure before the frame.
	Failure        string `yaml:"failure,omitempty"`
	FailureContext string `yaml:"failure_context,omitempty"`
}

func loadScenario(path string) (*scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if len(sc.Frames) == 0 {
		return nil, fmt.Errorf("scenario has no frames")
	}
	return &sc, nil
}

func runTrack(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	offline := trackOffline || !geminiKeyConfigured(cfg)
	if err := validateTrackConfig(cfg, offline); err != nil {
		return err
	}

	sc, err := loadScenario(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(io.Discard, "", 0)
	if viper.GetBool("verbose") {
		logger = log.New(os.Stderr, "surgagent: ", log.LstdFlags)
	}
	if offline && !trackOffline {
		logger.Printf("no Gemini key configured, running offline")
	}

	router, err := buildRouter(cfg.Routing, logger)
	if err != nil {
		return err
	}

	strategyAdvisor, err := buildAdvisor(ctx, cfg, offline)
	if err != nil {
		return err
	}

	sink, err := events.NewFileSink(cfg.Trace.Dir)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	tracer := buildTracer(cfg, logger)
	defer func() { _ = tracer.Stop(context.Background()) }()

	l := loop.New(loop.Config{
		Thresholds: loop.Thresholds{
			CheckpointInterval: cfg.Thresholds.CheckpointInterval,
			Window:             cfg.Thresholds.Window,
			ConfidenceFloor:    cfg.Thresholds.ConfidenceFloor,
			LowConfidence:      cfg.Thresholds.LowConfidence,
			Continuity:         cfg.Thresholds.Continuity,
			Replan:             cfg.Thresholds.Replan,
			RecoveryWindow:     cfg.Thresholds.RecoveryWindow,
		},
		Advisor:         strategyAdvisor,
		Router:          router,
		Sink:            sink,
		Tracer:          tracer,
		Logger:          logger,
		AdvisorModel:    cfg.Gemini.Model,
		AdvisorTimeout:  cfg.Advisor.TimeoutDuration(),
		AdvisorAttempts: cfg.Advisor.Attempts,
		BackoffBase:     cfg.Advisor.BackoffDuration(),
	})

	summary, err := runScenario(ctx, l, sc, logger)
	if err != nil {
		return err
	}

	sessionLogger := buildSessionLogger(ctx, cfg, summary.SessionID, logger)
	sessionLogger.Info("session finalized", map[string]interface{}{
		"frames":     summary.FramesProcessed,
		"switches":   summary.TotalSwitches,
		"recoveries": summary.TotalRecoveries,
		"strategy":   summary.FinalStrategy.String(),
	})
	defer func() { _ = sessionLogger.Close() }()

	store := trace.NewStore(cfg.Trace.Dir, cfg.Trace.MaxSessions)
	if err := store.Load(); err != nil {
		logger.Printf("session store load failed: %v", err)
	}
	store.Append(summary)
	if err := store.Save(); err != nil {
		return fmt.Errorf("failed to persist session summary: %w", err)
	}

	fmt.Print(report.Render(summary))
	return nil
}

// runScenario drives one session through the loop, resolving each pending
// recovery as soon as confidence clears the bar or the recovery window
// elapses.
func runScenario(ctx context.Context, l *loop.Loop, sc *scenario, logger *log.Logger) (session.Summary, error) {
	s, err := l.Initialize(ctx, sc.Scene, sc.Strategy)
	if err != nil {
		return session.Summary{}, err
	}

	th := l.Thresholds()

	type pending struct {
		index int
		frame int
	}
	var open []pending

	for _, frame := range sc.Frames {
		if err := ctx.Err(); err != nil {
			logger.Printf("interrupted, finalizing session %s", s.ID())
			break
		}

		if frame.Scene != nil {
			if _, err := l.HandleSceneChange(ctx, s, *frame.Scene); err != nil {
				return session.Summary{}, err
			}
		}

		if frame.Failure != "" {
			index, _, err := l.HandleFailure(ctx, s, session.FailureType(frame.Failure), frame.FailureContext)
			if err != nil {
				return session.Summary{}, err
			}
			open = append(open, pending{index: index, frame: frame.Frame})
		}

		if _, err := l.RecordFrame(ctx, s, frame.Frame, frame.Confidence); err != nil {
			return session.Summary{}, err
		}

		remaining := open[:0]
		for _, p := range open {
			elapsed := frame.Frame - p.frame
			if frame.Confidence > th.LowConfidence || elapsed >= th.RecoveryWindow {
				if _, err := l.ResolveRecovery(s, p.index, elapsed, frame.Confidence); err != nil {
					return session.Summary{}, err
				}
				continue
			}
			remaining = append(remaining, p)
		}
		open = remaining
	}

	// Recoveries still pending at the end of the stream count as failed.
	for _, p := range open {
		if _, err := l.ResolveRecovery(s, p.index, th.RecoveryWindow+1, s.LastConfidence()); err != nil {
			return session.Summary{}, err
		}
	}

	return l.Finalize(ctx, s), nil
}

// geminiKeyConfigured reports whether any Gemini key source is available:
// config, Secret Manager path, or the GEMINI_API_KEY environment variable.
func geminiKeyConfigured(cfg *config.Config) bool {
	return cfg.Gemini.APIKey != "" || cfg.Gemini.APIKeySecret != "" || os.Getenv("GEMINI_API_KEY") != ""
}

// validateTrackConfig validates the loaded config for a tracking run. The
// advisor-backed path additionally requires a Gemini key source.
func validateTrackConfig(cfg *config.Config, offline bool) error {
	if offline {
		return cfg.Validate()
	}
	return cfg.ValidateForTrack()
}

// buildRouter builds the phase router from the configured overrides,
// rejecting overrides that name unrecognized phases.
func buildRouter(overrides *routing.PhaseRouting, logger *log.Logger) (*routing.Router, error) {
	r := routing.NewRouter(overrides)
	if unknown := r.UnknownPhases(); len(unknown) > 0 {
		return nil, fmt.Errorf("routing overrides name unknown phases: %v", unknown)
	}
	logger.Printf("phase routing overrides: %v", r.Phases())
	return r, nil
}

// buildAdvisor returns the Gemini-backed advisor, or nil when running
// offline so every consultation takes the deterministic fallback.
func buildAdvisor(ctx context.Context, cfg *config.Config, offline bool) (advisor.StrategyAdvisor, error) {
	if offline {
		return nil, nil
	}

	var fetcher gcp.SecretFetcher
	if cfg.Gemini.APIKeySecret != "" {
		client, err := gcp.NewSecretManagerClient(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = client.Close() }()
		fetcher = client
	}

	apiKey, err := gcp.ResolveAPIKey(ctx, cfg.Gemini.APIKey, cfg.Gemini.APIKeySecret, fetcher)
	if err != nil {
		return nil, err
	}

	limiter := advisor.NewLimiter(cfg.Advisor.RateLimit, cfg.Advisor.RateWindowDuration())
	return gemini.NewClient(gemini.Config{
		APIKey:  apiKey,
		Model:   cfg.Gemini.Model,
		BaseURL: cfg.Gemini.BaseURL,
	}, limiter), nil
}

func buildTracer(cfg *config.Config, logger *log.Logger) observability.Tracer {
	if !cfg.Langfuse.Enabled {
		return &observability.NoOpTracer{}
	}
	return observability.NewLangfuseTracer(observability.LangfuseConfig{
		PublicKey: cfg.Langfuse.PublicKey,
		SecretKey: cfg.Langfuse.SecretKey,
		BaseURL:   cfg.Langfuse.BaseURL,
	}, logger)
}

func buildSessionLogger(ctx context.Context, cfg *config.Config, sessionID string, logger *log.Logger) gcp.SessionLogger {
	if cfg.Cloud.Enabled {
		cl, err := gcp.NewCloudSessionLogger(ctx, cfg.Cloud.Project, cfg.Cloud.LogName, sessionID)
		if err == nil {
			return cl
		}
		logger.Printf("cloud logging unavailable, using local log: %v", err)
	}
	return gcp.NewLocalSessionLogger(os.Stderr, sessionID)
}
