package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kdimtricp/bearwatch/internal/app"
	"github.com/kdimtricp/bearwatch/internal/config"
	"github.com/kdimtricp/bearwatch/internal/logger"
	"github.com/kdimtricp/bearwatch/internal/oracle"
)

var (
	urlFlag     string
	timeoutFlag time.Duration
)

type report struct {
	Endpoint    string           `json:"endpoint"`
	Latency     string           `json:"latency"`
	Response    *oracle.Response `json:"response"`
	BearPresent bool             `json:"bear_present"`
	Confidence  float64          `json:"confidence"`
	Labels      []string         `json:"labels"`
}

var rootCmd = &cobra.Command{
	Use:   "check-oracle <image>",
	Short: "Send one image to the bear detector and print its normalized answer",
	Long: `check-oracle posts a single image to the configured detection endpoint,
prints the parsed detections and the verdict for the target label.

Examples:
  check-oracle bear.jpg
  check-oracle --url http://localhost:7860/predict --timeout 5s bear.png`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&urlFlag, "url", "", "Detector endpoint (defaults to ORACLE_URL)")
	rootCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Per-request timeout (defaults to ORACLE_TIMEOUT)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// A local .env is optional.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if urlFlag != "" {
		cfg.OracleURL = urlFlag
	}
	if timeoutFlag > 0 {
		cfg.OracleTimeout = timeoutFlag
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	img := oracle.Image{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Data:        data,
	}

	start := time.Now()
	resp, err := app.NewOracle(cfg, zapLogger).Predict(context.Background(), img)
	if err != nil {
		return err
	}

	verdict := oracle.Evaluate(resp, cfg.OracleTargetLabel)
	out := report{
		Endpoint:    cfg.OracleURL,
		Latency:     time.Since(start).Round(time.Millisecond).String(),
		Response:    resp,
		BearPresent: verdict.BearPresent,
		Confidence:  verdict.Confidence,
		Labels:      verdict.Labels,
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
