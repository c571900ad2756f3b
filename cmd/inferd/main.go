package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"inferd/internal/config"
	"inferd/internal/download"
	"inferd/internal/engine"
	"inferd/internal/httpapi"
	"inferd/internal/hub"
	"inferd/internal/service"
	"inferd/internal/storage"
	"inferd/pkg/types"
)

const defaultHubURL = "https://huggingface.co"

// settings is the fully resolved runtime configuration: config file values
// overridden by environment, overridden by flags.
type settings struct {
	cfg      config.Config
	logLevel string
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "inferd:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	s := &settings{}
	var configPath string

	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Local model acquisition and inference daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (.yaml|.json|.toml)")
	root.PersistentFlags().String("storage-root", "", "Storage root for model directories (defaults INFERD_STORAGE_ROOT or per-OS data dir)")
	root.PersistentFlags().String("hub-url", "", "Remote repository base URL (defaults INFERD_HUB_URL or "+defaultHubURL+")")
	root.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (defaults INFERD_LOG_LEVEL or info)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			s.cfg = cfg
		}
		applyEnv(&s.cfg)
		applyFlags(cmd, &s.cfg)
		if s.cfg.HubBaseURL == "" {
			s.cfg.HubBaseURL = defaultHubURL
		}
		s.logLevel = s.cfg.LogLevel
		if s.logLevel == "" {
			s.logLevel = "info"
		}
		return nil
	}

	root.AddCommand(
		buildServeCmd(s),
		buildPullCmd(s),
		buildModelsCmd(s),
		buildInfoCmd(s),
		buildCleanupCmd(s),
		buildGenerateCmd(s),
	)
	return root
}

func applyEnv(cfg *config.Config) {
	if v := os.Getenv("INFERD_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("INFERD_STORAGE_ROOT"); v != "" {
		cfg.StorageRoot = v
	}
	if v := os.Getenv("INFERD_HUB_URL"); v != "" {
		cfg.HubBaseURL = v
	}
	if v := os.Getenv("INFERD_DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("INFERD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if f := cmd.InheritedFlags().Lookup("storage-root"); f != nil && f.Changed {
		cfg.StorageRoot = f.Value.String()
	}
	if f := cmd.InheritedFlags().Lookup("hub-url"); f != nil && f.Changed {
		cfg.HubBaseURL = f.Value.String()
	}
	if f := cmd.InheritedFlags().Lookup("log-level"); f != nil && f.Changed {
		cfg.LogLevel = f.Value.String()
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

// buildService wires storage, hub and download manager into a Service.
func buildService(s *settings, log zerolog.Logger) (*service.Service, *storage.Store, error) {
	store, err := storage.NewStore(s.cfg.StorageRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("storage root: %w", err)
	}
	client := hub.NewHTTPClient(s.cfg.HubBaseURL)
	dl := download.New(download.Config{
		Hub:    client,
		Store:  store,
		Logger: log,
	})
	retry := engine.DefaultRetryPolicy()
	if s.cfg.MaxRetries > 0 {
		retry.MaxRetries = s.cfg.MaxRetries
	}
	if s.cfg.BaseDelayMs > 0 {
		retry.BaseDelay = time.Duration(s.cfg.BaseDelayMs) * time.Millisecond
	}
	svc := service.New(service.Config{
		Store:          store,
		Downloads:      dl,
		DefaultModel:   s.cfg.DefaultModel,
		MemoryBudgetMB: s.cfg.MemoryBudgetMB,
		Retry:          retry,
		Logger:         log,
	})
	return svc, store, nil
}

func buildServeCmd(s *settings) *cobra.Command {
	var (
		addr        string
		corsOrigins string
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP daemon",
		Example: "  inferd serve --addr :8080 --default-model tinyllama/tinyllama-1.1b-chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(s.logLevel)
			if addr == "" {
				addr = s.cfg.Addr
			}
			if addr == "" {
				addr = ":8080"
			}
			svc, store, err := buildService(s, log)
			if err != nil {
				return err
			}

			if corsOrigins != "" {
				httpapi.SetCORSOptions(true, splitCSV(corsOrigins),
					[]string{"GET", "POST", "OPTIONS"},
					[]string{"Accept", "Content-Type", "X-Log-Level"})
			}
			httpapi.SetLogger(log)
			baseCtx, cancelBase := context.WithCancel(context.Background())
			defer cancelBase()
			httpapi.SetBaseContext(baseCtx)

			srv := &http.Server{Addr: addr, Handler: httpapi.NewMux(svc)}
			go func() {
				log.Info().Str("addr", addr).Str("storage_root", store.Root()).Msg("inferd listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			log.Info().Msg("shutting down")
			cancelBase()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("graceful shutdown error")
			}
			return svc.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (defaults INFERD_ADDR or :8080)")
	cmd.Flags().String("default-model", "", "Default model id when request omits model")
	cmd.Flags().Int("memory-budget-mb", 0, "Accelerator memory budget per engine in MB (0=default)")
	cmd.Flags().Int("max-retries", 0, "Generation retry count for transient failures")
	cmd.Flags().Int("base-delay-ms", 0, "Base retry delay in milliseconds")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins (empty disables CORS)")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if f := cmd.Flags().Lookup("default-model"); f.Changed {
			s.cfg.DefaultModel = f.Value.String()
		}
		if v, _ := cmd.Flags().GetInt("memory-budget-mb"); v > 0 {
			s.cfg.MemoryBudgetMB = v
		}
		if v, _ := cmd.Flags().GetInt("max-retries"); v > 0 {
			s.cfg.MaxRetries = v
		}
		if v, _ := cmd.Flags().GetInt("base-delay-ms"); v > 0 {
			s.cfg.BaseDelayMs = v
		}
		return nil
	}
	return cmd
}

func buildPullCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:     "pull <model-id>",
		Short:   "Download a model bundle",
		Example: "  inferd pull tinyllama/tinyllama-1.1b-chat",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(s.logLevel)
			svc, _, err := buildService(s, log)
			if err != nil {
				return err
			}
			id := args[0]

			p := mpb.New(mpb.WithWidth(60))
			const total = 1000
			bar := p.New(total,
				mpb.BarStyle(),
				mpb.PrependDecorators(decor.Name(id+" ")),
				mpb.AppendDecorators(decor.Percentage()),
			)
			dir, err := svc.Pull(cmd.Context(), id, func(frac float64) {
				bar.SetCurrent(int64(frac * total))
			})
			if err != nil {
				bar.Abort(true)
				p.Wait()
				return err
			}
			bar.SetCurrent(total)
			p.Wait()
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
}

func buildModelsCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List downloaded models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := buildService(s, newLogger(s.logLevel))
			if err != nil {
				return err
			}
			models, err := svc.ListModels()
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d MB\n", m.ID, m.EstMemoryMB)
			}
			return nil
		},
	}
}

func buildInfoCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:     "info <model-id>",
		Short:   "Show the remote bundle's file listing",
		Example: "  inferd info tinyllama/tinyllama-1.1b-chat",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := buildService(s, newLogger(s.logLevel))
			if err != nil {
				return err
			}
			info, err := svc.ModelInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, f := range info.Files {
				if f.SizeKnown {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", f.Name, f.SizeBytes)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t?\n", f.Name)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total\t%d\n", info.TotalBytes)
			return nil
		},
	}
}

func buildCleanupCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove incomplete model directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := buildService(s, newLogger(s.logLevel))
			if err != nil {
				return err
			}
			removed, err := svc.Cleanup()
			if err != nil {
				return err
			}
			for _, id := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func buildGenerateCmd(s *settings) *cobra.Command {
	var (
		model     string
		maxTokens int
		stream    bool
	)
	cmd := &cobra.Command{
		Use:     "generate <prompt>",
		Short:   "Generate a completion in-process (no daemon required)",
		Example: "  inferd generate --model tinyllama/tinyllama-1.1b-chat \"Write a haiku\"",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := buildService(s, newLogger(s.logLevel))
			if err != nil {
				return err
			}
			req := types.GenerateRequest{
				Model:  model,
				Prompt: args[0],
				Stream: stream,
				Params: types.GenerateParams{MaxTokens: maxTokens},
			}
			if stream {
				return streamToStdout(cmd, svc, req)
			}
			text, err := svc.GenerateText(cmd.Context(), model, args[0], req.Params)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Model id (defaults to the configured default model)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Token budget (0=engine default)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print tokens as they are produced")
	return cmd
}

// streamToStdout renders NDJSON token lines from the service as plain text.
func streamToStdout(cmd *cobra.Command, svc *service.Service, req types.GenerateRequest) error {
	pipe := &linePipe{onLine: func(line []byte) {
		var tok struct {
			Token string `json:"token"`
			Done  bool   `json:"done"`
		}
		if json.Unmarshal(line, &tok) == nil && !tok.Done {
			fmt.Fprint(cmd.OutOrStdout(), tok.Token)
		}
	}}
	if err := svc.Generate(cmd.Context(), req, pipe, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

// linePipe feeds complete lines written to it into a callback.
type linePipe struct {
	buf    []byte
	onLine func([]byte)
}

func (p *linePipe) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		p.onLine(p.buf[:i])
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty items.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
