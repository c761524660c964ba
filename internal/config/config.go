// Package config loads the proxy's INI-style configuration file: the
// [device], [data], and [home_assistant_proxy] sections from §6 of the
// specification. A missing [home_assistant_proxy] section leaves its Enabled
// flag false, while a missing [data] section leaves EnablePolling at its
// default of true; missing individual keys fall
// back to the struct-tag defaults declared below, applied with
// github.com/mcuadros/go-defaults before the file is parsed, matching the
// teacher's DefaultConfig() pattern.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
)

// DeviceType enumerates the supported Renogy Modbus register maps.
type DeviceType string

const (
	DeviceRNGCtrl     DeviceType = "RNG_CTRL"
	DeviceRNGCtrlHist DeviceType = "RNG_CTRL_HIST"
	DeviceRNGBatt     DeviceType = "RNG_BATT"
	DeviceRNGInvt     DeviceType = "RNG_INVT"
	DeviceRNGDcc      DeviceType = "RNG_DCC"
)

// PollMode selects how the Renogy poll scheduler paces read cycles.
type PollMode string

const (
	PollContinuous PollMode = "continuous"
	PollScheduled  PollMode = "scheduled"
)

// ScanMode mirrors the ESPHome BluetoothScannerMode enum exposed over the
// native API.
type ScanMode string

const (
	ScanActive  ScanMode = "active"
	ScanPassive ScanMode = "passive"
)

// DeviceConfig is the [device] section: identifies the Renogy peripheral
// this process polls and the adapter it polls it on.
// Duration fields are not given `default:"..."` tags: mcuadros/go-defaults
// parses tag values against the field's reflect.Kind, and time.Duration's
// kind is Int64, so a duration literal like "60s" would be parsed as a
// (failing) integer rather than a duration. Their defaults are assigned
// explicitly in Default() instead.
type DeviceConfig struct {
	Type      DeviceType `default:"RNG_BATT"`
	MACAddr   string
	Alias     string
	DeviceIDs []int
	Adapter   string `default:"hci0"`
}

// DataConfig is the [data] section: polling cadence and presentation
// options for Renogy readings.
type DataConfig struct {
	PollInterval             time.Duration
	EnablePolling            bool `default:"true"`
	Fields                   []string
	TemperatureUnit          string `default:"C"`
	PollAfterProxyCycle      bool   `default:"false"`
	PollCycleDwellSeconds    time.Duration
	PollCycleTimeoutSeconds  time.Duration
	RenogyReadTimeoutSeconds time.Duration
}

// HomeAssistantProxyConfig is the [home_assistant_proxy] section: the
// ESPHome native-API server and airtime-sharing knobs. Despite its
// historical name (carried over from the original MQTT/HA-discovery
// project this was distilled from) it configures the ESPHome Bluetooth
// proxy core, not a Home Assistant integration.
type HomeAssistantProxyConfig struct {
	Enabled              bool     `default:"false"`
	DeviceName           string   `default:"renogy-bt-proxy"`
	Adapter              string   `default:"hci0"`
	NativeAPIPort        int      `default:"6053"`
	WithRenogyClient     bool     `default:"true"`
	RenogyPollMode       PollMode `default:"scheduled"`
	RenogyReadInterval   time.Duration
	ScanMode             ScanMode `default:"passive"`
	ScanActiveSeconds    time.Duration
	ScanIdleSeconds      time.Duration
	AirtimeSettleSeconds time.Duration
	AirtimeWindowSeconds time.Duration
	HealthCheckInterval  time.Duration
	HealthCheckThreshold time.Duration
	HealthResetAdapter   bool `default:"true"`
	HealthResetLimit     int  `default:"10"`
	PauseDuringRenogy    bool `default:"true"`
	MAC                  string
	MDNSIP               string
	ESPHomeSensors       []string
}

// Config is the fully parsed configuration file.
type Config struct {
	Device             DeviceConfig
	Data               DataConfig
	HomeAssistantProxy HomeAssistantProxyConfig
}

// Default returns a Config with every struct-tag default applied and no
// section present in the file, matching the teacher's DefaultConfig()
// pattern in spirit.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(&cfg.Device)
	defaults.SetDefaults(&cfg.Data)
	defaults.SetDefaults(&cfg.HomeAssistantProxy)

	cfg.Device.DeviceIDs = []int{48}

	cfg.Data.PollInterval = 60 * time.Second
	cfg.Data.PollCycleDwellSeconds = 3 * time.Second
	cfg.Data.PollCycleTimeoutSeconds = 30 * time.Second
	cfg.Data.RenogyReadTimeoutSeconds = 15 * time.Second

	cfg.HomeAssistantProxy.RenogyReadInterval = 60 * time.Second
	cfg.HomeAssistantProxy.AirtimeSettleSeconds = 400 * time.Millisecond
	cfg.HomeAssistantProxy.AirtimeWindowSeconds = 3 * time.Second
	cfg.HomeAssistantProxy.HealthCheckInterval = 10 * time.Second
	cfg.HomeAssistantProxy.HealthCheckThreshold = 45 * time.Second

	return cfg
}

// Load reads and parses the INI-style configuration file at path. Comment
// lines begin with '#'; section headers are "[name]"; keys are
// "key = value" or "key=value". An unreadable file is a fatal startup
// error per §7.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot open %s: %w", path, err)
	}
	defer f.Close()

	cfg := Default()

	var section string
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}

		key, value, ok := splitKV(line)
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: malformed line %q", path, lineNo, line)
		}

		if err := cfg.setValue(section, key, value); err != nil {
			return nil, fmt.Errorf("config: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	return cfg, nil
}

func splitKV(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(line[:idx]))
	value = strings.TrimSpace(line[idx+1:])
	return key, value, true
}

func (c *Config) setValue(section, key, value string) error {
	switch section {
	case "device":
		return c.Device.set(key, value)
	case "data":
		return c.Data.set(key, value)
	case "home_assistant_proxy":
		return c.HomeAssistantProxy.set(key, value)
	case "":
		return fmt.Errorf("key %q outside any section", key)
	default:
		return fmt.Errorf("unknown section %q", section)
	}
}

func (d *DeviceConfig) set(key, value string) error {
	switch key {
	case "type":
		d.Type = DeviceType(strings.ToUpper(value))
	case "mac_addr":
		d.MACAddr = value
	case "alias":
		d.Alias = value
	case "device_id":
		ids, err := parseIntList(value)
		if err != nil {
			return fmt.Errorf("device_id: %w", err)
		}
		d.DeviceIDs = ids
	case "adapter":
		d.Adapter = value
	default:
		return fmt.Errorf("unknown [device] key %q", key)
	}
	return nil
}

func (d *DataConfig) set(key, value string) error {
	var err error
	switch key {
	case "poll_interval":
		d.PollInterval, err = parseSeconds(value)
	case "enable_polling":
		d.EnablePolling, err = strconv.ParseBool(value)
	case "fields":
		d.Fields = parseStringList(value)
	case "temperature_unit":
		d.TemperatureUnit = strings.ToUpper(value)
	case "poll_after_proxy_cycle":
		d.PollAfterProxyCycle, err = strconv.ParseBool(value)
	case "poll_cycle_dwell_seconds":
		d.PollCycleDwellSeconds, err = parseSeconds(value)
	case "poll_cycle_timeout_seconds":
		d.PollCycleTimeoutSeconds, err = parseSeconds(value)
	case "renogy_read_timeout_seconds":
		d.RenogyReadTimeoutSeconds, err = parseSeconds(value)
	default:
		return fmt.Errorf("unknown [data] key %q", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func (h *HomeAssistantProxyConfig) set(key, value string) error {
	var err error
	switch key {
	case "enabled":
		h.Enabled, err = strconv.ParseBool(value)
	case "device_name":
		h.DeviceName = value
	case "adapter":
		h.Adapter = value
	case "native_api_port":
		h.NativeAPIPort, err = strconv.Atoi(value)
	case "with_renogy_client":
		h.WithRenogyClient, err = strconv.ParseBool(value)
	case "renogy_poll_mode":
		h.RenogyPollMode = PollMode(strings.ToLower(value))
	case "renogy_read_interval":
		h.RenogyReadInterval, err = parseSeconds(value)
	case "scan_mode":
		h.ScanMode = ScanMode(strings.ToLower(value))
	case "scan_active_seconds":
		h.ScanActiveSeconds, err = parseSeconds(value)
	case "scan_idle_seconds":
		h.ScanIdleSeconds, err = parseSeconds(value)
	case "airtime_settle_seconds":
		h.AirtimeSettleSeconds, err = parseSeconds(value)
	case "airtime_window_seconds":
		h.AirtimeWindowSeconds, err = parseSeconds(value)
	case "health_check_interval":
		h.HealthCheckInterval, err = parseSeconds(value)
	case "health_check_threshold":
		h.HealthCheckThreshold, err = parseSeconds(value)
	case "health_reset_adapter":
		h.HealthResetAdapter, err = strconv.ParseBool(value)
	case "health_reset_limit":
		h.HealthResetLimit, err = strconv.Atoi(value)
	case "pause_during_renogy":
		h.PauseDuringRenogy, err = strconv.ParseBool(value)
	case "mac":
		h.MAC = value
	case "mdns_ip":
		h.MDNSIP = value
	case "esphome_sensors":
		h.ESPHomeSensors = parseStringList(value)
	default:
		return fmt.Errorf("unknown [home_assistant_proxy] key %q", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// parseSeconds accepts either a bare integer/float (interpreted as
// seconds, matching the original Python config's numeric fields) or a Go
// duration string ("400ms", "3s").
func parseSeconds(value string) (time.Duration, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func parseIntList(value string) ([]int, error) {
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseStringList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
