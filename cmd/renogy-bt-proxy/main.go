package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "renogy-bt-proxy",
	Short: "ESPHome Bluetooth proxy and Renogy Modbus-over-BLE bridge",
	Long: `renogy-bt-proxy impersonates an ESPHome Bluetooth proxy on a Linux/BlueZ
host: it fans out every observed BLE advertisement to subscribed
controllers over the ESPHome native API, and periodically polls one or
more Renogy-family Modbus-over-BLE devices, publishing decoded readings
as sensor state updates on the same channel.

Run "serve" to start the proxy, or "scan" for a one-shot diagnostic BLE
scan that verifies radio connectivity before committing to long-running
proxy mode.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(serveCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging (ignored when --log-level is set)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
