// AgSys Zone Controller
// Main entry point for the zone controller service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agsys/zone-controller/internal/cloud"
	"github.com/agsys/zone-controller/internal/conn"
	"github.com/agsys/zone-controller/internal/gpio"
)

// Config represents the configuration file structure
type Config struct {
	Device struct {
		ID              string `yaml:"id"`
		Name            string `yaml:"name"`
		FirmwareVersion string `yaml:"firmware_version"`
	} `yaml:"device"`

	Cloud struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
	} `yaml:"cloud"`

	GPIO struct {
		EventURL   string   `yaml:"event_url"`
		CommandURL string   `yaml:"command_url"`
		Inputs     []string `yaml:"inputs"`
		OnlineLED  string   `yaml:"online_led"`
		OfflineLED string   `yaml:"offline_led"`
	} `yaml:"gpio"`

	Timing struct {
		PumpYieldMs    int `yaml:"pump_yield_ms"`
		PollIntervalMs int `yaml:"poll_interval_ms"`
		LoopIntervalMs int `yaml:"loop_interval_ms"`
	} `yaml:"timing"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "agsys-zone",
		Short: "AgSys Zone Controller",
		Long:  "Zone controller for AgSys agricultural IoT system. Runs local zone I/O and supervises the cloud uplink.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the zone controller service",
		RunE:  runZone,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("AgSys Zone Controller v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/agsys/zone.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

func runZone(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if cfg.Cloud.URL == "" {
		return fmt.Errorf("cloud.url is required")
	}
	if cfg.Cloud.APIKey == "" {
		return fmt.Errorf("cloud.api_key is required")
	}

	// Build GPIO driver
	gpioCfg := gpio.DefaultConfig()
	if cfg.GPIO.EventURL != "" {
		gpioCfg.EventURL = cfg.GPIO.EventURL
	}
	if cfg.GPIO.CommandURL != "" {
		gpioCfg.CommandURL = cfg.GPIO.CommandURL
	}
	gpioCfg.Inputs = cfg.GPIO.Inputs

	driver := gpio.New(gpioCfg)

	// Build cloud client
	cloudCfg := cloud.DefaultConfig()
	cloudCfg.URL = cfg.Cloud.URL
	cloudCfg.APIKey = cfg.Cloud.APIKey
	cloudCfg.DeviceID = cfg.Device.ID
	if cfg.Device.FirmwareVersion != "" {
		cloudCfg.FirmwareVersion = cfg.Device.FirmwareVersion
	}

	client := cloud.New(cloudCfg)

	// Build supervisor
	supCfg := conn.DefaultConfig()
	if cfg.Timing.PumpYieldMs > 0 {
		supCfg.PumpYield = millisToDuration(cfg.Timing.PumpYieldMs)
	}
	if cfg.Timing.PollIntervalMs > 0 {
		supCfg.PollInterval = millisToDuration(cfg.Timing.PollIntervalMs)
	}
	if cfg.Timing.LoopIntervalMs > 0 {
		supCfg.LoopInterval = millisToDuration(cfg.Timing.LoopIntervalMs)
	}
	if cfg.GPIO.OnlineLED != "" {
		supCfg.OnlineLED = cfg.GPIO.OnlineLED
	}
	if cfg.GPIO.OfflineLED != "" {
		supCfg.OfflineLED = cfg.GPIO.OfflineLED
	}

	sup := conn.New(supCfg, client, client, driver)

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Start local I/O first: the device runs offline from boot
	if err := driver.Start(); err != nil {
		return fmt.Errorf("failed to start GPIO driver: %w", err)
	}

	if err := sup.Start(ctx); err != nil {
		driver.Stop()
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	// Run the control loop until shutdown
	log.Printf("Starting AgSys Zone Controller %s", cfg.Device.ID)
	sup.Run(ctx)

	if err := driver.Stop(); err != nil {
		log.Printf("Error stopping GPIO driver: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func millisToDuration(millis int) time.Duration {
	return time.Duration(millis) * time.Millisecond
}
