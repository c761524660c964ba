// Package nativeapi implements NativeApiServer: the ESPHome native-API TCP
// listener, its per-connection session state machine, entity enumeration,
// advertisement fan-out in both structured and raw wire formats, and sensor
// state publication, per §4.8. The framing is byte-compatible with a
// mainline ESPHome/Home-Assistant controller; field numbering follows the
// aioesphomeapi wire protocol, grounded on
// original_source/renogybt/esphome_api_server.py for message-handling
// semantics and original_source/tools/esphome_protocol_guide.py for the
// varint/frame layout.
package nativeapi

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jorik41/renogy-bt-proxy/internal/groutine"
	"github.com/jorik41/renogy-bt-proxy/internal/sensors"
)

// Config carries the identity fields every session's handshake reports.
type Config struct {
	Name           string
	MACAddress     string
	Port           int
	Version        string
	Model          string
	Manufacturer   string
	ProjectName    string
	ProjectVersion string
}

// Server is the TCP listener plus the set of live sessions.
type Server struct {
	cfg      Config
	registry *sensors.Registry
	logger   *logrus.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	listener net.Listener
}

// New creates a Server bound to registry. It registers an OnNewEntity hook
// that severs every already-enumerated session, per §4.7's entity-key-
// stability policy.
func New(cfg Config, registry *sensors.Registry, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Model == "" {
		cfg.Model = "ESPHome Bluetooth Proxy"
	}
	if cfg.Manufacturer == "" {
		cfg.Manufacturer = "ESPHome"
	}
	if cfg.ProjectName == "" {
		cfg.ProjectName = "renogybt"
	}
	if cfg.ProjectVersion == "" {
		cfg.ProjectVersion = cfg.Version
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		logger:   logger.WithField("component", "nativeapi").Logger,
		sessions: make(map[*Session]struct{}),
	}
	registry.OnNewEntity(func(sensors.Entity) {
		s.severEnumeratedSessions()
	})
	return s
}

// Start binds the listener and begins accepting connections. It returns
// once the listener is bound; the accept loop runs until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("nativeapi: listen on port %d: %w", s.cfg.Port, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithField("port", s.cfg.Port).Info("native API server listening")

	groutine.Go(ctx, "nativeapi-accept", s.acceptLoop)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	return nil
}

// Stop closes the listener and every active session.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
	s.logger.Info("native API server stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln == nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("nativeapi: accept failed")
			continue
		}

		sess := newSession(conn, s)
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.logger.WithField("peer", conn.RemoteAddr().String()).Info("native API connection accepted")
		groutine.Go(ctx, "nativeapi-session", sess.run)
	}
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// severEnumeratedSessions forcibly closes every session that has already
// received a ListEntitiesDone, so their controllers reconnect and
// re-enumerate with the newly allocated entity included.
func (s *Server) severEnumeratedSessions() {
	s.mu.Lock()
	var toSever []*Session
	for sess := range s.sessions {
		if sess.HasEnumerated() {
			toSever = append(toSever, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range toSever {
		s.logger.WithField("peer", sess.conn.RemoteAddr().String()).Info("nativeapi: severing enumerated session after new entity allocation")
		sess.close()
	}
}

// BroadcastAdvertisement fans ev out to every session with the
// advertisements flag set, per §4.8's fan-out rule.
func (s *Server) BroadcastAdvertisement(ev AdvertisementEvent) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.IsSubscribedToAdvertisements() {
			sess.QueueAdvertisement(ev)
		}
	}
}

// PublishSensorState fans a (key, value) reading out to every session with
// the states flag set, per §4.8's sensor-state publication rule. Callers
// should only invoke this when sensors.Registry.Publish reports the value
// actually changed.
func (s *Server) PublishSensorState(reading sensors.Reading) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.IsSubscribedToStates() {
			sess.queueState(reading.Key, reading)
		}
	}
}

// Addr returns the listener's bound address. Only valid after Start
// succeeds; primarily useful in tests that bind an ephemeral port (Port: 0).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of live sessions, for diagnostics.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) serverInfo() string {
	return fmt.Sprintf("renogybt-proxy/%s", s.cfg.Version)
}

func (s *Server) deviceInfo() DeviceInfo {
	return DeviceInfo{
		Name:                s.cfg.Name,
		MACAddress:          s.cfg.MACAddress,
		ESPHomeVersion:      s.cfg.Version,
		Model:               s.cfg.Model,
		Manufacturer:        s.cfg.Manufacturer,
		ProjectName:         s.cfg.ProjectName,
		ProjectVersion:      s.cfg.ProjectVersion,
		BluetoothMACAddress: s.cfg.MACAddress,
	}
}

// macAddressUint64 parses the server's own MAC address ("AA:BB:CC:DD:EE:FF")
// into the 48-bit integer form advertisement events use.
func (s *Server) macAddressUint64() uint64 {
	hex := strings.ReplaceAll(s.cfg.MACAddress, ":", "")
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0
	}
	return v
}
