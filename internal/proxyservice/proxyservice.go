// Package proxyservice wires every other component into the single
// long-running process described by §4.9: it owns startup/shutdown order,
// signal handling, and the data-flow glue between the BLE radio, the
// Renogy Modbus client, the sensor registry, the native-API server, and
// the mDNS announcer. Nothing downstream of ProxyService knows about any
// other component directly.
package proxyservice

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jorik41/renogy-bt-proxy/internal/airtime"
	"github.com/jorik41/renogy-bt-proxy/internal/bleadapter"
	"github.com/jorik41/renogy-bt-proxy/internal/config"
	"github.com/jorik41/renogy-bt-proxy/internal/device"
	"github.com/jorik41/renogy-bt-proxy/internal/energytotals"
	"github.com/jorik41/renogy-bt-proxy/internal/groutine"
	"github.com/jorik41/renogy-bt-proxy/internal/mdns"
	"github.com/jorik41/renogy-bt-proxy/internal/modbusgatt"
	"github.com/jorik41/renogy-bt-proxy/internal/nativeapi"
	"github.com/jorik41/renogy-bt-proxy/internal/parsers"
	"github.com/jorik41/renogy-bt-proxy/internal/pollscheduler"
	"github.com/jorik41/renogy-bt-proxy/internal/sensors"
)

// shutdownStepTimeout bounds how long one component's shutdown step may
// take before it is forcibly abandoned, per §4.9.
const shutdownStepTimeout = 5 * time.Second

// selfAdvertisementPattern matches the synthetic local names BlueZ/go-ble
// report for a host's own adapter while scanning, e.g. "hci0
// (AA:BB:CC:DD:EE:FF)". Advertisements matching it are never forwarded
// (§8 testable property #7).
var selfAdvertisementPattern = regexp.MustCompile(`^hci\d+ \([0-9A-F:]+\)$`)

// Options bundles everything ProxyService needs beyond the parsed
// configuration: the version string reported over the native API and
// mDNS, and the path energy totals are persisted to.
type Options struct {
	Version          string
	EnergyTotalsPath string
}

// Service is the top-level lifecycle object: §4.9's "instantiate
// SensorRegistry, start NativeApiServer, announce mDNS, start
// AirtimeCoordinator, start PollScheduler" in object form.
type Service struct {
	cfg  *config.Config
	opts Options
	log  *logrus.Logger

	registry    *sensors.Registry
	nativeAPI   *nativeapi.Server
	announcer   *mdns.Responder
	adapter     *bleadapter.Adapter
	coordinator *airtime.Coordinator
	modbus      *modbusgatt.Client
	scheduler   *pollscheduler.Scheduler
	totals      *energytotals.Store

	mdnsTxt map[string]string

	lastReadings map[int]sensors.DeviceReading
}

// New wires every component without starting any of them. A Service built
// here is ready for Run.
func New(cfg *config.Config, opts Options, logger *logrus.Logger) (*Service, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if !cfg.HomeAssistantProxy.Enabled {
		return nil, fmt.Errorf("proxyservice: [home_assistant_proxy] enabled=false; nothing to serve")
	}

	s := &Service{
		cfg:          cfg,
		opts:         opts,
		log:          logger.WithField("component", "proxyservice").Logger,
		registry:     sensors.New(cfg.Data.TemperatureUnit),
		lastReadings: make(map[int]sensors.DeviceReading),
	}

	macAddress := cfg.HomeAssistantProxy.MAC
	if macAddress == "" {
		macAddress = "00:00:00:00:00:00"
	}

	s.nativeAPI = nativeapi.New(nativeapi.Config{
		Name:       cfg.HomeAssistantProxy.DeviceName,
		MACAddress: macAddress,
		Port:       cfg.HomeAssistantProxy.NativeAPIPort,
		Version:    opts.Version,
	}, s.registry, logger)

	mdnsCfg := mdns.Config{}
	if cfg.HomeAssistantProxy.MDNSIP != "" {
		mdnsCfg.IP = net.ParseIP(cfg.HomeAssistantProxy.MDNSIP)
	}
	announcer, err := mdns.New(mdnsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("proxyservice: mdns: %w", err)
	}
	s.announcer = announcer
	s.mdnsTxt = s.buildMDNSTxt(macAddress)

	s.adapter = bleadapter.New(cfg.HomeAssistantProxy.Adapter, cfg.HomeAssistantProxy.HealthResetLimit, logger)

	s.coordinator = airtime.New(s.adapter, airtime.Options{
		Duty: airtime.DutyCycle{
			Active: cfg.HomeAssistantProxy.ScanActiveSeconds,
			Idle:   cfg.HomeAssistantProxy.ScanIdleSeconds,
		},
		Resume: airtime.ResumeWindow{
			Settle: cfg.HomeAssistantProxy.AirtimeSettleSeconds,
			Window: cfg.HomeAssistantProxy.AirtimeWindowSeconds,
		},
		Health: airtime.HealthWatchdog{
			Threshold:        cfg.HomeAssistantProxy.HealthCheckThreshold,
			ResetAdapter:     cfg.HomeAssistantProxy.HealthResetAdapter,
			MaxResetsPerHour: cfg.HomeAssistantProxy.HealthResetLimit,
		},
	}, s.onAdvertisement, logger)

	if cfg.HomeAssistantProxy.WithRenogyClient {
		discovery := bleadapter.DefaultDiscoveryOptions()
		discovery.MAC = cfg.Device.MACAddr
		discovery.Alias = cfg.Device.Alias
		if cfg.Data.RenogyReadTimeoutSeconds > 0 {
			discovery.ConnectTimeout = cfg.Data.RenogyReadTimeoutSeconds
		}

		s.modbus = modbusgatt.New(s.adapter, s.coordinator, modbusgatt.Config{
			UnitIDs:     cfg.Device.DeviceIDs,
			Sections:    parsers.DeviceSections(string(cfg.Device.Type)),
			ReadTimeout: cfg.Data.RenogyReadTimeoutSeconds,
			Discovery:   discovery,
		}, logger)

		mode := pollscheduler.Scheduled
		if cfg.HomeAssistantProxy.RenogyPollMode == config.PollContinuous {
			mode = pollscheduler.Continuous
		}
		s.scheduler = pollscheduler.New(pollscheduler.Config{
			Mode:             mode,
			Interval:         cfg.HomeAssistantProxy.RenogyReadInterval,
			GateOnProxyCycle: cfg.Data.PollAfterProxyCycle,
		}, s.runModbusCycle, logger)

		totalsPath := opts.EnergyTotalsPath
		if totalsPath == "" {
			totalsPath = "energy_totals.json"
		}
		totals, err := energytotals.Open(totalsPath, logger)
		if err != nil {
			return nil, fmt.Errorf("proxyservice: energytotals: %w", err)
		}
		s.totals = totals
	}

	return s, nil
}

// Run executes §4.9's full lifecycle: start every component in order, block
// until ctx is cancelled, then shut every component down in reverse order.
// Each step is idempotent-safe to call once; Run itself must only be
// called once per Service.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("proxyservice: starting")

	if err := s.nativeAPI.Start(ctx); err != nil {
		return fmt.Errorf("proxyservice: nativeapi start: %w", err)
	}

	if err := s.announcer.Announce(s.cfg.HomeAssistantProxy.DeviceName, s.cfg.HomeAssistantProxy.NativeAPIPort, s.mdnsTxt); err != nil {
		s.log.WithError(err).Warn("proxyservice: mdns announce failed, continuing without discovery")
	}

	s.coordinator.Start(ctx)

	if s.scheduler != nil {
		if s.cfg.Data.EnablePolling {
			groutine.Go(ctx, "proxyservice-poll-scheduler", func(ctx context.Context) {
				s.scheduler.Run(ctx)
			})
		} else {
			groutine.Go(ctx, "proxyservice-poll-once", func(ctx context.Context) {
				if err := s.scheduler.RunOnce(ctx); err != nil {
					s.log.WithError(err).Warn("proxyservice: startup poll cycle failed")
				}
			})
		}
		if s.totals != nil {
			groutine.Go(ctx, "proxyservice-energytotals", s.totals.Run)
		}
	}

	s.log.Info("proxyservice: running")
	<-ctx.Done()

	s.shutdown()
	return nil
}

// shutdown tears components down in the exact reverse of the startup
// order, bounding each step to shutdownStepTimeout per §4.9.
func (s *Service) shutdown() {
	s.log.Info("proxyservice: shutting down")

	withTimeout := func(name string, fn func()) {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownStepTimeout):
			s.log.WithField("step", name).Warn("proxyservice: shutdown step timed out, abandoning")
		}
	}

	if s.scheduler != nil && s.totals != nil {
		withTimeout("energytotals", s.totals.Stop)
	}
	withTimeout("airtime", s.coordinator.Stop)
	withTimeout("mdns", func() {
		if err := s.announcer.Withdraw(); err != nil {
			s.log.WithError(err).Warn("proxyservice: mdns withdraw failed")
		}
	})
	withTimeout("nativeapi", s.nativeAPI.Stop)

	s.log.Info("proxyservice: stopped")
}

// onAdvertisement is the AirtimeCoordinator callback: it drops
// self-originated advertisements, converts the rest into a wire
// AdvertisementEvent, and fans them out to every subscribed native-API
// session.
func (s *Service) onAdvertisement(adv device.Advertisement) {
	if selfAdvertisementPattern.MatchString(adv.LocalName()) {
		return
	}
	s.nativeAPI.BroadcastAdvertisement(toAdvertisementEvent(adv))
}

// toAdvertisementEvent converts a device.Advertisement (the BleAdapter's
// view) into the wire-level shape NativeApiServer broadcasts. §6: the
// manufacturer-data blob is a single slice whose first two bytes are the
// little-endian company id, per the BLE GAP AD-structure convention; there
// is no address-type accessor on device.Advertisement, so AddressIsRandom
// defaults to false (an open question resolved in favor of the common
// case, public addresses, documented alongside the rest of this package's
// decisions).
func toAdvertisementEvent(adv device.Advertisement) nativeapi.AdvertisementEvent {
	ev := nativeapi.AdvertisementEvent{
		Address:   addrToUint64(adv.Addr()),
		RSSI:      int8(clampInt(adv.RSSI(), -128, 127)),
		LocalName: adv.LocalName(),
	}

	if raw := adv.ManufacturerData(); len(raw) >= 2 {
		companyID := binary.LittleEndian.Uint16(raw[0:2])
		ev.ManufacturerData = map[uint16][]byte{companyID: raw[2:]}
	}

	if sd := adv.ServiceData(); len(sd) > 0 {
		ev.ServiceData = make(map[string][]byte, len(sd))
		for _, entry := range sd {
			ev.ServiceData[entry.UUID] = entry.Data
		}
	}

	if services := adv.Services(); len(services) > 0 {
		ev.ServiceUUIDs = append(ev.ServiceUUIDs, services...)
	}

	if tx := adv.TxPowerLevel(); tx != 0 {
		txVal := int8(clampInt(tx, -128, 127))
		ev.TXPower = &txVal
	}

	return ev
}

// addrToUint64 parses a colon-separated MAC address string into the
// 48-bit integer form the wire protocol uses, matching
// Server.macAddressUint64's convention.
func addrToUint64(addr string) uint64 {
	hex := strings.ReplaceAll(addr, ":", "")
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// runModbusCycle is the pollscheduler.RunCycleFunc: it runs one Modbus
// cycle, publishing each device's fields (routing total_increasing fields
// through the energy-totals accumulator first) and then the cross-device
// combined reading once the cycle completes.
func (s *Service) runModbusCycle(ctx context.Context) error {
	cycleReadings := make(map[int]sensors.DeviceReading)

	err := s.modbus.RunCycle(ctx, func(result modbusgatt.CycleResult) {
		cycleReadings[result.UnitID] = result.Reading
		s.lastReadings[result.UnitID] = result.Reading
		s.publishReading(result.UnitID, result.Reading)
	})

	if s.cfg.Data.PollAfterProxyCycle {
		s.scheduler.NotifyProxyCycleDone()
	}

	if len(cycleReadings) > 0 {
		combined := sensors.Combine(s.lastReadings)
		s.publishReading(sensors.CombinedUnitID, combined)
	}

	return err
}

// publishReading pushes every field of reading through the sensor
// registry (accumulating total_increasing fields into the energy-totals
// store first) and broadcasts whatever actually changed.
func (s *Service) publishReading(unitID int, reading sensors.DeviceReading) {
	alias := s.aliasFor(unitID)
	now := time.Now()

	for field, value := range reading {
		if s.totals != nil {
			attrs := sensors.GuessAttributes(field, s.cfg.Data.TemperatureUnit)
			if attrs.StateClass == sensors.StateClassTotalIncreasing {
				value = s.totals.Accumulate(alias, field, value, now)
			}
		}

		r, _, changed := s.registry.Publish(unitID, field, value)
		if changed {
			s.nativeAPI.PublishSensorState(r)
		}
	}
}

// aliasFor derives the energy-totals persistence key for a unit id: the
// configured device alias when there's exactly one device (the common
// case), otherwise a per-unit fallback so multi-device installs don't
// collide on one alias.
func (s *Service) aliasFor(unitID int) string {
	if unitID == sensors.CombinedUnitID {
		return "combined"
	}
	if s.cfg.Device.Alias != "" && len(s.cfg.Device.DeviceIDs) <= 1 {
		return s.cfg.Device.Alias
	}
	return fmt.Sprintf("device_%d", unitID)
}

// buildMDNSTxt assembles the TXT record set §6 requires: identity fields
// plus the bluetooth_proxy_feature_flags value, which must equal whatever
// NativeApiServer reports over DeviceInfoResponse.
func (s *Service) buildMDNSTxt(macAddress string) map[string]string {
	network := "ethernet"
	txt := map[string]string{
		"mac":                           strings.ReplaceAll(macAddress, ":", ""),
		"version":                       s.opts.Version,
		"platform":                      "linux",
		"network":                       network,
		"api_version":                   "1.13",
		"use_password":                  "false",
		"bluetooth_proxy":               "true",
		"bluetooth_proxy_version":       "5",
		"bluetooth_proxy_feature_flags": strconv.Itoa(nativeapi.BluetoothProxyFeatureFlags),
		"project_name":                  "jorik41.renogy-bt-proxy",
		"project_version":               s.opts.Version,
	}
	return txt
}
