package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/identity"
)

const (
	ServiceType   = "_giro._tcp"
	ServiceDomain = "local."

	restartBackoffBase = time.Second
	restartBackoffMax  = 60 * time.Second
)

// Peer is a terminal found on the local network.
type Peer struct {
	Instance string
	Host     string
	IP       string
	Port     int
	Role     string
	Version  string
	SeenAt   time.Time
}

// Stats reports discovery health to the host application.
type Stats struct {
	Advertising   bool      `json:"advertising"`
	Browsing      bool      `json:"browsing"`
	Restarts      int       `json:"restarts"`
	LastError     string    `json:"last_error,omitempty"`
	LastFoundAt   time.Time `json:"last_found_at"`
	KnownMasters  int       `json:"known_masters"`
	LocalIP       string    `json:"local_ip,omitempty"`
	InstanceName  string    `json:"instance_name,omitempty"`
	AdvertisePort int       `json:"advertise_port,omitempty"`
}

// Service advertises this terminal and browses for masters. mDNS being
// unavailable is survivable: the service reports empty results and keeps
// retrying in the background instead of failing startup.
type Service struct {
	log   *zap.Logger
	cfg   config.Config
	ident identity.Terminal
	bus   *events.Bus

	mu      sync.Mutex
	server  *zeroconf.Server
	masters map[string]Peer
	stats   Stats
	cancel  context.CancelFunc
	running bool
}

func New(log *zap.Logger, cfg config.Config, ident identity.Terminal, bus *events.Bus) *Service {
	return &Service{
		log:     log.Named("discovery"),
		cfg:     cfg,
		ident:   ident,
		bus:     bus,
		masters: make(map[string]Peer),
	}
}

// Start begins advertising (masters only) and browsing. Safe to call on a
// network without multicast; failures are logged and retried.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if s.cfg.IsMaster() {
		go s.advertiseLoop(runCtx)
	}
	go s.browseLoop(runCtx)
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	s.stats.Advertising = false
	s.stats.Browsing = false
}

// Masters returns the masters seen recently, most recent first.
func (s *Service) Masters() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]Peer, 0, len(s.masters))
	for _, p := range s.masters {
		peers = append(peers, p)
	}
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && peers[j].SeenAt.After(peers[j-1].SeenAt); j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
	return peers
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.KnownMasters = len(s.masters)
	st.LocalIP = LocalIP()
	return st
}

func (s *Service) advertiseLoop(ctx context.Context) {
	backoff := restartBackoffBase
	for {
		err := s.advertise()
		if err == nil {
			s.log.Info("advertising on mdns",
				zap.String("instance", s.instanceName()),
				zap.Int("port", s.cfg.NetworkServerPort))
			<-ctx.Done()
			return
		}

		s.noteError("advertise", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}

func (s *Service) advertise() error {
	txt := []string{
		"role=" + strings.ToLower(s.ident.Role),
		"version=" + s.ident.Version,
		"terminal_id=" + s.ident.ID,
	}
	server, err := zeroconf.Register(
		s.instanceName(),
		ServiceType,
		ServiceDomain,
		s.cfg.NetworkServerPort,
		txt,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	s.mu.Lock()
	s.server = server
	s.stats.Advertising = true
	s.stats.InstanceName = s.instanceName()
	s.stats.AdvertisePort = s.cfg.NetworkServerPort
	s.mu.Unlock()
	return nil
}

func (s *Service) browseLoop(ctx context.Context) {
	backoff := restartBackoffBase
	for {
		err := s.browse(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.noteError("browse", err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if err != nil {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		} else {
			backoff = restartBackoffBase
		}
	}
}

func (s *Service) browse(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	browseCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := resolver.Browse(browseCtx, ServiceType, ServiceDomain, entries); err != nil {
		return fmt.Errorf("browse mdns: %w", err)
	}

	s.mu.Lock()
	s.stats.Browsing = true
	s.mu.Unlock()

	for entry := range entries {
		s.handleEntry(entry)
	}
	return nil
}

func (s *Service) handleEntry(entry *zeroconf.ServiceEntry) {
	peer := Peer{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		SeenAt:   time.Now().UTC(),
	}
	if len(entry.AddrIPv4) > 0 {
		peer.IP = entry.AddrIPv4[0].String()
	}
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "role="); ok {
			peer.Role = v
		}
		if v, ok := strings.CutPrefix(txt, "version="); ok {
			peer.Version = v
		}
	}

	if peer.Role != strings.ToLower(config.RoleMaster) || peer.IP == "" {
		return
	}
	// Ignore our own advertisement.
	if peer.Instance == s.instanceName() {
		return
	}

	s.mu.Lock()
	_, known := s.masters[peer.IP]
	s.masters[peer.IP] = peer
	s.stats.LastFoundAt = peer.SeenAt
	s.mu.Unlock()

	if !known {
		s.log.Info("master found",
			zap.String("ip", peer.IP),
			zap.Int("port", peer.Port),
			zap.String("instance", peer.Instance))
		s.bus.Publish(events.Event{Kind: events.KindMasterFound, Payload: peer})
	}
}

func (s *Service) noteError(op string, err error) {
	s.log.Warn("mdns degraded, will retry",
		zap.String("op", op),
		zap.Error(err))
	s.mu.Lock()
	s.stats.LastError = err.Error()
	s.stats.Restarts++
	s.mu.Unlock()
}

func (s *Service) instanceName() string {
	name := s.ident.Name
	if name == "" {
		name = "giro"
	}
	return fmt.Sprintf("%s-%s", name, shortID(s.ident.ID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// LocalIP reports the primary outbound interface address.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

// AllLocalIPs lists every non-loopback IPv4 on the machine, for manual
// address entry in the shell.
func AllLocalIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			ips = append(ips, v4.String())
		}
	}
	return ips
}

var Module = fx.Module("discovery",
	fx.Provide(New),
)
