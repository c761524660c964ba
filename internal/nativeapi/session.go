package nativeapi

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jorik41/renogy-bt-proxy/internal/groutine"
	"github.com/jorik41/renogy-bt-proxy/internal/ringchan"
	"github.com/jorik41/renogy-bt-proxy/internal/sensors"
	"github.com/jorik41/renogy-bt-proxy/internal/wire"
)

// SessionState names a position in the §4.8 connection state machine:
// Greet → Authed → Listed → Active → Closing.
type SessionState string

const (
	StateGreet   SessionState = "greet"
	StateAuthed  SessionState = "authed"
	StateListed  SessionState = "listed"
	StateActive  SessionState = "active"
	StateClosing SessionState = "closing"
)

// advertisementQueueDepth bounds the per-session fan-out backlog; beyond
// this the oldest buffered advertisement is dropped, per §5's backpressure
// policy.
const advertisementQueueDepth = 32

// Session is one controller TCP connection: its receive buffer, latched
// subscription flags, and the set of entity keys already enumerated to it.
type Session struct {
	conn   net.Conn
	server *Server
	logger *logrus.Logger

	mu                        sync.Mutex
	state                     SessionState
	subscribedStates          bool
	subscribedAdvertisements  bool
	subscribedConnectionsFree bool
	scannerMode               ScannerMode
	closeAfterSend            bool
	enumerated                bool
	syntheticSeedSent         bool

	writeMu sync.Mutex

	advQueue *ringchan.RingChannel[AdvertisementEvent]

	stateMu      sync.Mutex
	statePending map[uint32]sensors.Reading
	stateWake    chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn net.Conn, server *Server) *Session {
	return &Session{
		conn:         conn,
		server:       server,
		logger:       server.logger.WithField("peer", conn.RemoteAddr().String()).Logger,
		state:        StateGreet,
		advQueue:     ringchan.New[AdvertisementEvent](advertisementQueueDepth),
		statePending: make(map[uint32]sensors.Reading),
		stateWake:    make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// run drives the session's read loop until the connection closes or ctx is
// cancelled, fanning advertisement and sensor-state writes out on their own
// goroutines so one slow stream never blocks the other per §5.
func (s *Session) run(ctx context.Context) {
	defer s.close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	groutine.Go(sessCtx, "nativeapi-session-adv", s.runAdvertisementWriter)
	groutine.Go(sessCtx, "nativeapi-session-state", s.runStateWriter)

	go func() {
		<-sessCtx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if err != nil {
			return
		}

		for {
			msgType, payload, consumed, ok, err := wire.Decode(buf)
			if err != nil {
				s.logger.WithError(err).Warn("nativeapi: framing error, closing session")
				s.setState(StateClosing)
				return
			}
			if !ok {
				break
			}
			buf = buf[consumed:]

			if s.handleMessage(msgType, payload) {
				return
			}
		}
	}
}

// handleMessage dispatches one decoded frame and returns true if the
// session should now close.
func (s *Session) handleMessage(msgType uint32, payload []byte) bool {
	switch msgType {
	case msgHelloRequest:
		s.setState(StateAuthed)
		s.writeFrame(msgHelloResponse, encodeHelloResponse(s.server.cfg.Name, s.server.serverInfo()))

	case msgConnectRequest:
		s.writeFrame(msgConnectResponse, encodeConnectResponse(false))

	case msgPingRequest:
		s.writeFrame(msgPingResponse, encodePingResponse())

	case msgDeviceInfoRequest:
		s.writeFrame(msgDeviceInfoResponse, encodeDeviceInfoResponse(s.server.deviceInfo()))

	case msgListEntitiesRequest:
		for _, e := range s.server.registry.ListEntities() {
			s.writeFrame(msgListEntitiesSensorResponse, encodeListEntitiesSensorResponse(e))
		}
		s.writeFrame(msgListEntitiesDoneResponse, encodeListEntitiesDoneResponse())
		s.setState(StateListed)
		s.mu.Lock()
		s.enumerated = true
		s.mu.Unlock()

	case msgSubscribeStatesRequest:
		s.mu.Lock()
		s.subscribedStates = true
		s.mu.Unlock()
		s.setState(StateActive)
		for key, reading := range s.server.registry.Snapshot() {
			s.queueState(key, reading)
		}

	case msgSubscribeBluetoothLEAdvertisements:
		flags, err := decodeSubscribeBLERequest(payload)
		if err != nil {
			s.logger.WithError(err).Warn("nativeapi: malformed SubscribeBluetoothLEAdvertisementsRequest")
		}
		s.mu.Lock()
		s.subscribedAdvertisements = true
		mode := s.scannerMode
		s.mu.Unlock()
		s.setState(StateActive)
		_ = flags
		s.writeFrame(msgBluetoothScannerStateResponse, encodeScannerStateResponse(
			uint32(ScannerStateRunning), uint32(mode), uint32(mode)))
		s.sendSyntheticSeed()

	case msgUnsubscribeBluetoothLEAdvertisements:
		s.mu.Lock()
		s.subscribedAdvertisements = false
		mode := s.scannerMode
		s.mu.Unlock()
		s.writeFrame(msgBluetoothScannerStateResponse, encodeScannerStateResponse(
			uint32(ScannerStateIdle), uint32(mode), uint32(mode)))

	case msgSubscribeBluetoothConnectionsFree:
		s.mu.Lock()
		s.subscribedConnectionsFree = true
		mode := s.scannerMode
		s.mu.Unlock()
		s.writeFrame(msgBluetoothConnectionsFreeResponse, encodeBluetoothConnectionsFreeResponse(MaxConnections, MaxConnections))
		// §4.8: always advertise the scanner as running here, even if
		// nobody has subscribed to advertisements yet, so a controller
		// doing the connections-free handshake first still sees a live
		// scanner.
		s.writeFrame(msgBluetoothScannerStateResponse, encodeScannerStateResponse(uint32(ScannerStateRunning), uint32(mode), uint32(mode)))

	case msgBluetoothScannerSetModeRequest:
		mode, err := decodeScannerSetModeRequest(payload)
		if err != nil {
			s.logger.WithError(err).Warn("nativeapi: malformed BluetoothScannerSetModeRequest")
			break
		}
		s.mu.Lock()
		s.scannerMode = mode
		state := ScannerStateIdle
		if s.subscribedAdvertisements {
			state = ScannerStateRunning
		}
		s.mu.Unlock()
		s.writeFrame(msgBluetoothScannerStateResponse, encodeScannerStateResponse(uint32(state), uint32(mode), uint32(ScannerModePassive)))

	case msgNoiseEncryptionSetKeyRequest:
		s.writeFrame(msgNoiseEncryptionSetKeyResponse, encodeNoiseEncryptionSetKeyResponse(false))

	case msgDisconnectRequest:
		s.writeFrame(msgDisconnectResponse, nil)
		s.setState(StateClosing)
		return true

	default:
		s.logger.WithField("msg_type", msgType).Debug("nativeapi: ignoring unhandled message type")
	}
	return false
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current position in the connection state
// machine.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// writeFrame writes one complete frame, serialised against every other
// writer of this session's socket.
func (s *Session) writeFrame(msgType uint32, payload []byte) {
	frame := wire.Encode(msgType, payload)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(frame); err != nil {
		s.logger.WithError(err).Debug("nativeapi: write failed")
	}
}

// IsSubscribedToAdvertisements reports the latched advertisements flag.
func (s *Session) IsSubscribedToAdvertisements() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribedAdvertisements
}

// IsSubscribedToStates reports the latched states flag.
func (s *Session) IsSubscribedToStates() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribedStates
}

// HasEnumerated reports whether this session has already received a full
// ListEntities enumeration, per §4.7's entity-key-stability policy: a
// session that enumerated before a new entity was allocated must be
// severed so its controller re-enumerates.
func (s *Session) HasEnumerated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enumerated
}

// QueueAdvertisement enqueues ev for fan-out, dropping the oldest queued
// advertisement if this session's socket is backpressured, per §5.
func (s *Session) QueueAdvertisement(ev AdvertisementEvent) {
	if s.advQueue.ForceSend(ev) {
		s.logger.Debug("nativeapi: advertisement queue full, dropped oldest")
	}
}

// queueState latches the latest reading for key, replacing any not-yet-sent
// value for the same key (the "per-key latest-wins queue" §5 calls for).
func (s *Session) queueState(key uint32, reading sensors.Reading) {
	s.stateMu.Lock()
	s.statePending[key] = reading
	s.stateMu.Unlock()

	select {
	case s.stateWake <- struct{}{}:
	default:
	}
}

func (s *Session) runAdvertisementWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.advQueue.C():
			if !ok {
				return
			}
			s.writeFrame(msgBluetoothLEAdvertisementResponse, encodeBluetoothLEAdvertisementResponse(ev))
			s.writeFrame(msgBluetoothLERawAdvertisementsResponse, encodeBluetoothLERawAdvertisementsResponse(ev))
		}
	}
}

func (s *Session) runStateWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stateWake:
		}

		s.stateMu.Lock()
		pending := s.statePending
		s.statePending = make(map[uint32]sensors.Reading)
		s.stateMu.Unlock()

		for key, reading := range pending {
			s.writeFrame(msgSensorStateResponse, encodeSensorStateResponse(key, float32(reading.Value), reading.Missing))
		}
	}
}

// sendSyntheticSeed emits the one synthetic self-advertisement §4.8
// specifies on a session's first advertisement subscription, so the
// controller immediately recognises the proxy as a functional source.
func (s *Session) sendSyntheticSeed() {
	s.mu.Lock()
	if s.syntheticSeedSent {
		s.mu.Unlock()
		return
	}
	s.syntheticSeedSent = true
	s.mu.Unlock()

	flags := byte(0x06)
	ev := AdvertisementEvent{
		Address:   s.server.macAddressUint64(),
		LocalName: s.server.cfg.Name,
		Flags:     &flags,
	}
	s.QueueAdvertisement(ev)
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.advQueue.Close()
		if s.server != nil {
			s.server.removeSession(s)
		}
	})
}
