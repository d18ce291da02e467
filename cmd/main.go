package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/enterprise/aegis-trust/internal/access"
	"github.com/enterprise/aegis-trust/internal/analysis"
	"github.com/enterprise/aegis-trust/internal/app"
	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/internal/enclave"
	"github.com/enterprise/aegis-trust/internal/hal"
	"github.com/enterprise/aegis-trust/internal/policy"
	"github.com/enterprise/aegis-trust/internal/store"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/enterprise/aegis-trust/pkg/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configPath string
	version    = "dev"
	buildTime  = "unknown"
	gitCommit  = "unknown"
)

func main() {
	app.Version = version

	var rootCmd = &cobra.Command{
		Use:   "aegis-trust",
		Short: "Biometric trust and attestation policy engine",
		Long: `Aegis Trust verifies device integrity tokens, binds sealed objects to a
biometric feature vector and enforces multi-modal lock policies on unlock.`,
		Run: func(cmd *cobra.Command, args []string) {
			runServer()
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Build Time: %s\n", buildTime)
			fmt.Printf("Git Commit: %s\n", gitCommit)
		},
	}

	var validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Run: func(cmd *cobra.Command, args []string) {
			validateConfig()
		},
	}

	var tiersCmd = &cobra.Command{
		Use:   "tiers",
		Short: "Print the sensor trust tier table for native and sandboxed contexts",
		Run: func(cmd *cobra.Command, args []string) {
			printTiers(cmd.OutOrStdout())
		},
	}

	var (
		templatePath string
		reportPath   string
		objectPath   string
		native       bool
		bridge       bool
	)

	var sealCmd = &cobra.Command{
		Use:   "seal",
		Short: "Seal a descriptor from a YAML policy template and a JSON analysis report",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := hal.Environment{Native: native, HardwareBridge: bridge, MediaCapture: true}
			file, err := sealFromFiles(cmd.Context(), env, templatePath, reportPath)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), file)
		},
	}
	sealCmd.Flags().StringVar(&templatePath, "template", "", "YAML seal request template")
	sealCmd.Flags().StringVar(&reportPath, "report", "", "JSON analysis report of the enrolling capture")
	sealCmd.Flags().BoolVar(&native, "native", false, "Resolve tiers as a verified native context")
	sealCmd.Flags().BoolVar(&bridge, "hardware-bridge", false, "Assume a biometric hardware bridge is registered")
	sealCmd.MarkFlagRequired("template")

	var evaluateCmd = &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate an analysis report against a sealed descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := evaluateFiles(cmd.Context(), objectPath, reportPath)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	evaluateCmd.Flags().StringVar(&objectPath, "object", "", "JSON sealed descriptor")
	evaluateCmd.Flags().StringVar(&reportPath, "report", "", "JSON analysis report")
	evaluateCmd.MarkFlagRequired("object")
	evaluateCmd.MarkFlagRequired("report")

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file")
	rootCmd.AddCommand(versionCmd, validateCmd, tiersCmd, sealCmd, evaluateCmd)

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func runServer() {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	log := logger.New(cfg.Logging)

	log.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}).Info("Starting Aegis Trust")

	// Create application context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize application
	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the application
	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	log.Info("Aegis Trust started successfully")

	// Wait for shutdown signal
	<-sigChan
	log.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the application
	if err := application.Stop(shutdownCtx); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}

	log.Info("Aegis Trust stopped")
}

func validateConfig() {
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	logrus.Info("Configuration is valid")
}

func printTiers(out io.Writer) {
	contexts := []struct {
		name string
		env  hal.Environment
	}{
		{"native", hal.Environment{Native: true, HardwareBridge: true, MediaCapture: true}},
		{"sandboxed", hal.Environment{MediaCapture: true}},
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTEXT\tMODALITY\tSUPPORTED\tTIER")
	for _, c := range contexts {
		h := hal.New(c.env, hal.NoStreams{}, hal.WithLogger(logger.Discard()))
		for _, m := range types.Modalities {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", c.name, m, h.CheckHardwareSupport(m), h.GetAttestationTier(m))
		}
	}
	w.Flush()
}

// sealFromFiles builds a seal request from a YAML template, completes the
// biometric context from the enrolling report when given, and seals it.
func sealFromFiles(ctx context.Context, env hal.Environment, templatePath, reportPath string) (*types.SecureFile, error) {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	var req enclave.SealRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	if reportPath != "" {
		report, err := readReport(reportPath)
		if err != nil {
			return nil, err
		}
		applyReport(&req.Biometric, report)
	}

	svc, err := enclave.NewService(hal.New(env, hal.NoStreams{}), logger.Discard())
	if err != nil {
		return nil, err
	}
	return svc.Seal(ctx, &req)
}

// applyReport fills the parts of the biometric context the template left empty
func applyReport(bio *enclave.BiometricContext, report *types.AnalysisReport) {
	if bio.FeatureVectorHash == "" {
		bio.FeatureVectorHash = report.FeatureVectorHash
	}
	if bio.Domain == "" {
		bio.Domain = report.PrimaryDomain()
	}
	if bio.IngressPath == "" {
		bio.IngressPath = report.IngressPath
	}
	if bio.CaptureMode == "" {
		bio.CaptureMode = report.CaptureMode
	}
	if bio.Liveness == 0 {
		bio.Liveness = report.LivenessScore
	}
	if bio.PathSpecific == nil && len(report.PathMetadata) > 0 {
		bio.PathSpecific = report.PathMetadata
	}
}

// evaluateFiles runs one unlock attempt against a descriptor with a fresh
// attempt history.
func evaluateFiles(ctx context.Context, objectPath, reportPath string) (*access.Result, error) {
	data, err := os.ReadFile(objectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}

	var file types.SecureFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}

	report, err := readReport(reportPath)
	if err != nil {
		return nil, err
	}
	if err := analysis.Validate(report); err != nil {
		return nil, err
	}

	log := logger.Discard()
	gate := access.NewGate(store.NewMemoryStore(), access.NewMemoryTracker(), policy.NewEvaluator(log, nil), log)
	if err := gate.Register(ctx, &file); err != nil {
		return nil, err
	}
	return gate.Unlock(ctx, file.ID, report)
}

func readReport(path string) (*types.AnalysisReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	var report types.AnalysisReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &report, nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
