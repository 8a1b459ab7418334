// Command pfmea runs the PFMEA analysis service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stephenhungg/pfmea-agent/services/llm"
	"github.com/stephenhungg/pfmea-agent/services/pfmea"
)

// FileConfig is the YAML configuration file shape.
type FileConfig struct {
	Port          int    `yaml:"port"`
	OllamaURL     string `yaml:"ollama_url"`
	OllamaModel   string `yaml:"ollama_model"`
	StorePath     string `yaml:"store_path"`
	ScalesPath    string `yaml:"scales_path"`
	Concurrency   int    `yaml:"concurrency"`
	OTelEndpoint  string `yaml:"otel_endpoint"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	GinMode       string `yaml:"gin_mode"`
	LogDir        string `yaml:"log_dir"`
	LogLevel      string `yaml:"log_level"`
}

var (
	configPath string
	config     FileConfig

	rootCmd = &cobra.Command{
		Use:   "pfmea",
		Short: "PFMEA manufacturing risk-assessment service",
		Long:  `pfmea analyzes manufacturing work instructions and produces structured failure-mode risk assessments using a local inference backend.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the analysis HTTP server",
		RunE:  runServe,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Probe the inference backend and exit",
		RunE:  runCheck,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml",
		"path to the YAML configuration file")
	rootCmd.PersistentPreRunE = loadConfig
	rootCmd.AddCommand(serveCmd, checkCmd)
}

// loadConfig reads the YAML config file. A missing file at the default
// path is fine; an explicitly named file must exist.
func loadConfig(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("parse config %s: %w", configPath, err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := pfmea.New(pfmea.Config{
		Port:          config.Port,
		OllamaURL:     config.OllamaURL,
		OllamaModel:   config.OllamaModel,
		StorePath:     config.StorePath,
		ScalesPath:    config.ScalesPath,
		Concurrency:   config.Concurrency,
		OTelEndpoint:  config.OTelEndpoint,
		EnableMetrics: config.EnableMetrics,
		GinMode:       config.GinMode,
		LogDir:        config.LogDir,
		LogLevel:      config.LogLevel,
	})
	if err != nil {
		return err
	}
	return svc.Run()
}

func runCheck(cmd *cobra.Command, args []string) error {
	client, err := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL: config.OllamaURL,
		Model:   config.OllamaModel,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !client.CheckConnection(ctx) {
		return fmt.Errorf("inference backend unreachable (model %s)", client.Model())
	}
	fmt.Printf("backend reachable, model %s\n", client.Model())
	return nil
}
