// Package mdns implements mDNSAnnouncer: service registration on the local
// network via raw multicast DNS (RFC 6762/6763), so ESPHome-aware
// controllers discover this proxy without manual configuration. No
// DNS-SD/zeroconf library appears anywhere in the retrieved corpus, so the
// wire format is hand-encoded directly against the RFCs (see message.go
// and DESIGN.md's justification for this component).
package mdns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jorik41/renogy-bt-proxy/internal/groutine"
)

// Announcer is the interface the rest of the service depends on:
// "announce(name, port, txt) / withdraw()" per §2's component table. The
// core never touches the mDNS wire format directly.
type Announcer interface {
	Announce(name string, port int, txt map[string]string) error
	Withdraw() error
}

const (
	multicastAddr = "224.0.0.251:5353"
	serviceType   = "_esphomelib._tcp.local."
	defaultTTL    = 4500 // seconds, RFC 6762 §10's default for most records
	hostTTL       = 120  // seconds, RFC 6762 §10's default for host records
	goodbyeTTL    = 0
	announceCount = 2
	announceGap   = time.Second
)

// Config carries the binding details a Responder needs beyond the
// name/port/txt passed to Announce.
type Config struct {
	// IP is the address advertised in the A record. If nil, Responder
	// discovers it the same way the original Python implementation did:
	// opening a UDP socket toward a public address and reading back the
	// local address the kernel chose for it.
	IP net.IP
}

// Responder is the concrete Announcer: a background goroutine bound to the
// mDNS multicast group, answering queries for the registered service and
// re-announcing it periodically so caches never expire it.
type Responder struct {
	logger *logrus.Logger

	conn *net.UDPConn

	mu         sync.Mutex
	instance   string
	hostname   string
	port       int
	txt        map[string]string
	ip         net.IP
	registered bool

	cancel context.CancelFunc
}

// New creates a Responder bound to the mDNS multicast group. It does not
// announce anything until Announce is called.
func New(cfg Config, logger *logrus.Logger) (*Responder, error) {
	if logger == nil {
		logger = logrus.New()
	}

	group, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return nil, fmt.Errorf("mdns: resolve multicast address: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("mdns: join multicast group: %w", err)
	}

	ip := cfg.IP
	if ip == nil {
		ip = discoverLocalIP()
	}

	return &Responder{
		logger: logger.WithField("component", "mdns").Logger,
		conn:   conn,
		ip:     ip,
	}, nil
}

// discoverLocalIP opens a UDP socket toward a well-known public address and
// reads back the source address the kernel routed it through. No packet is
// actually sent (UDP connect only consults the routing table).
func discoverLocalIP() net.IP {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return net.IPv4(0, 0, 0, 0)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return net.IPv4(0, 0, 0, 0)
	}
	return addr.IP
}

// slug lowercases name and replaces spaces with hyphens, per §6's instance
// naming rule.
func slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

// Announce registers the service and starts the query-response loop. Port
// and txt apply to the ESPHome native-API SRV/TXT records; name is slugged
// and the slug is used as both the DNS-SD instance name and the host's
// .local hostname.
func (r *Responder) Announce(name string, port int, txt map[string]string) error {
	instance := slug(name)

	r.mu.Lock()
	r.instance = instance
	r.hostname = instance + ".local."
	r.port = port
	r.txt = txt
	r.registered = true
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	groutine.Go(ctx, "mdns-listen", r.listen)
	groutine.Go(ctx, "mdns-reannounce", r.reannounceLoop)

	r.logger.WithFields(logrus.Fields{
		"instance": instance,
		"port":     port,
	}).Info("mdns: announcing service")

	for i := 0; i < announceCount; i++ {
		r.sendAnnouncement(false)
		if i < announceCount-1 {
			time.Sleep(announceGap)
		}
	}
	return nil
}

// Withdraw sends RFC 6762 §10.2 goodbye packets (TTL=0) and stops the
// responder's background goroutines.
func (r *Responder) Withdraw() error {
	r.mu.Lock()
	registered := r.registered
	r.registered = false
	r.mu.Unlock()

	if !registered {
		return nil
	}

	r.sendAnnouncement(true)

	if r.cancel != nil {
		r.cancel()
	}
	_ = r.conn.Close()
	r.logger.Info("mdns: withdrew service")
	return nil
}

func (r *Responder) listen(ctx context.Context) {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := decodeMessage(buf[:n])
		if err != nil {
			continue
		}
		if msg.Flags&0x8000 != 0 {
			continue // response, not a query
		}
		if r.matchesAnyQuestion(msg.Questions) {
			r.sendAnnouncement(false)
		}
	}
}

func (r *Responder) matchesAnyQuestion(questions []question) bool {
	r.mu.Lock()
	instanceName := r.instance + "." + serviceType
	hostname := r.hostname
	r.mu.Unlock()

	for _, q := range questions {
		switch strings.ToLower(q.Name) {
		case serviceType, instanceName, hostname:
			return true
		}
	}
	return false
}

func (r *Responder) reannounceLoop(ctx context.Context) {
	ticker := time.NewTicker(defaultTTL / 2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendAnnouncement(false)
		}
	}
}

func (r *Responder) sendAnnouncement(goodbye bool) {
	r.mu.Lock()
	instance := r.instance
	hostname := r.hostname
	port := r.port
	txt := r.txt
	ip := r.ip
	r.mu.Unlock()

	if instance == "" {
		return
	}

	ttl := uint32(defaultTTL)
	hostTTLVal := uint32(hostTTL)
	if goodbye {
		ttl = goodbyeTTL
		hostTTLVal = goodbyeTTL
	}

	instanceName := instance + "." + serviceType
	answers := []record{
		{Name: serviceType, Type: typePTR, Class: classIN, TTL: ttl, RData: encodeName(instanceName)},
	}
	extra := []record{
		{Name: instanceName, Type: typeSRV, Class: classIN | classFlush, TTL: hostTTLVal, RData: encodeSRVData(0, 0, port, hostname)},
		{Name: instanceName, Type: typeTXT, Class: classIN | classFlush, TTL: ttl, RData: encodeTXTData(txt)},
	}
	if ip4 := ip.To4(); ip4 != nil {
		extra = append(extra, record{Name: hostname, Type: typeA, Class: classIN | classFlush, TTL: hostTTLVal, RData: ip4})
	}

	packet := encodeResponse(0, answers, extra)
	group, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		r.logger.WithError(err).Warn("mdns: resolve multicast address")
		return
	}
	if _, err := r.conn.WriteToUDP(packet, group); err != nil {
		r.logger.WithError(err).Debug("mdns: send failed")
	}
}
