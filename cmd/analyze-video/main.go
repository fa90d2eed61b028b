package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kdimtricp/bearwatch/internal/app"
	"github.com/kdimtricp/bearwatch/internal/config"
	"github.com/kdimtricp/bearwatch/internal/logger"
	"github.com/kdimtricp/bearwatch/internal/session"
)

var (
	strategyFlag  string
	policyFlag    string
	thresholdFlag int
	windowFlag    int
	workersFlag   int
	fullScanFlag  bool
	logLevelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "analyze-video <file>",
	Short: "Run one bear detection session on a local video or image",
	Long: `analyze-video samples a local file, classifies every frame with the
configured detector and prints the session result as JSON.

Configuration is read from the same environment variables as the server;
flags override them.

Examples:
  analyze-video trail-cam.mp4
  analyze-video --policy window --threshold 2 --window 5 clip.mov
  analyze-video --strategy fixed --full-scan --workers 4 night.mp4`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&strategyFlag, "strategy", "", "Sampling strategy: fixed or adaptive")
	rootCmd.Flags().StringVar(&policyFlag, "policy", "", "Trigger policy: consecutive or window")
	rootCmd.Flags().IntVar(&thresholdFlag, "threshold", 0, "Qualifying frames needed to trigger")
	rootCmd.Flags().IntVar(&windowFlag, "window", 0, "Window size for the window policy")
	rootCmd.Flags().IntVarP(&workersFlag, "workers", "w", 0, "Concurrent classification workers")
	rootCmd.Flags().BoolVar(&fullScanFlag, "full-scan", false, "Classify every frame even after a trigger")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	components, err := app.Build(ctx, cfg, zapLogger)
	if err != nil {
		return err
	}
	defer components.Close()

	path := args[0]
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	up := session.Upload{
		Filename:    filepath.Base(path),
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Size:        info.Size(),
		Body:        file,
	}

	analyze := components.Controller.AnalyzeVideo
	if strings.HasPrefix(up.ContentType, "image/") {
		analyze = components.Controller.AnalyzeImage
	}

	zapLogger.Info("analyzing file", zap.String("path", path), zap.String("content_type", up.ContentType))
	result, err := analyze(ctx, up)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func loadConfig() (*config.Config, error) {
	// A local .env is optional.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if strategyFlag != "" {
		cfg.SamplerStrategy = strategyFlag
	}
	if policyFlag != "" {
		cfg.TriggerPolicy = policyFlag
	}
	if thresholdFlag > 0 {
		cfg.TriggerThreshold = thresholdFlag
	}
	if windowFlag > 0 {
		cfg.TriggerWindow = windowFlag
	}
	if workersFlag > 0 {
		cfg.SessionWorkers = workersFlag
	}
	if fullScanFlag {
		cfg.SessionEarlyExit = false
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
