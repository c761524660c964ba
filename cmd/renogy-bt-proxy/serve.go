package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jorik41/renogy-bt-proxy/internal/config"
	"github.com/jorik41/renogy-bt-proxy/internal/proxyservice"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ESPHome Bluetooth proxy and Renogy bridge",
	Long: `Starts the long-running proxy: an ESPHome native-API server that fans out
every observed BLE advertisement to subscribed controllers, announces
itself on the LAN via mDNS, and (unless disabled in the configuration
file) periodically polls one or more Renogy Modbus-over-BLE devices and
publishes the decoded readings as sensor state.

Runs until interrupted (Ctrl+C) or terminated.`,
	RunE: runServe,
}

var (
	serveConfigPath   string
	serveEnergyTotals string
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "config.ini", "Path to the configuration file")
	serveCmd.Flags().StringVar(&serveEnergyTotals, "energy-totals", "energy_totals.json", "Path to the energy-totals persistence file")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	svc, err := proxyservice.New(cfg, proxyservice.Options{
		Version:          formatVersion(version),
		EnergyTotalsPath: serveEnergyTotals,
	}, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("received interrupt signal, shutting down...")
		cancel()
	}()

	return svc.Run(ctx)
}
