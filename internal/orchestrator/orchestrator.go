package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/discovery"
	"github.com/girosoft/giro-core/internal/identity"
	"github.com/girosoft/giro-core/internal/license"
	"github.com/girosoft/giro-core/internal/observability"
	"github.com/girosoft/giro-core/internal/peerlink/master"
	"github.com/girosoft/giro-core/internal/peerlink/satellite"
	"github.com/girosoft/giro-core/internal/protocol"
	sessiondomain "github.com/girosoft/giro-core/internal/session/domain"
	settingsdomain "github.com/girosoft/giro-core/internal/settings/domain"
	settingsservice "github.com/girosoft/giro-core/internal/settings/service"
	syncdomain "github.com/girosoft/giro-core/internal/sync/domain"
)

const (
	sweepInterval  = 15 * time.Minute
	submitInterval = time.Hour
	gaugeInterval  = 15 * time.Second
)

// NetworkStatus is the coordination state surfaced to the host shell.
type NetworkStatus struct {
	Role            string             `json:"role"`
	IsRunning       bool               `json:"is_running"`
	LinkState       string             `json:"link_state"`
	ConnectedMaster string             `json:"connected_master,omitempty"`
	Discovery       discovery.Stats    `json:"discovery"`
	Masters         []discovery.Peer   `json:"masters,omitempty"`
	LocalIPs        []string           `json:"local_ips,omitempty"`
	ConnectedPeers  int                `json:"connected_peers"`
	Sync            *syncdomain.Status `json:"sync,omitempty"`
	Degraded        bool               `json:"degraded"`
}

// Orchestrator starts and stops the coordination stack according to the
// terminal role and runs the periodic loops: auto sync, license
// validation, session sweeping and usage submission.
type Orchestrator struct {
	log       *zap.Logger
	cfg       config.Config
	holder    *config.SettingsHolder
	ident     identity.Terminal
	disc      *discovery.Service
	client    *satellite.Client
	server    *master.Server
	registry  *master.Registry
	engine    syncdomain.Engine
	sessions  sessiondomain.Manager
	licClient *license.Client
	tracker   *license.Tracker
	agg       *license.Aggregator
	settings  *settingsservice.Store
	collector *observability.Collector
	clk       clock.Clock

	mu      sync.Mutex
	role    string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(
	log *zap.Logger,
	cfg config.Config,
	holder *config.SettingsHolder,
	ident identity.Terminal,
	disc *discovery.Service,
	client *satellite.Client,
	server *master.Server,
	registry *master.Registry,
	engine syncdomain.Engine,
	sessions sessiondomain.Manager,
	licClient *license.Client,
	tracker *license.Tracker,
	agg *license.Aggregator,
	settings *settingsservice.Store,
	collector *observability.Collector,
	clk clock.Clock,
) *Orchestrator {
	return &Orchestrator{
		log:       log.Named("orchestrator"),
		cfg:       cfg,
		holder:    holder,
		ident:     ident,
		disc:      disc,
		client:    client,
		server:    server,
		registry:  registry,
		engine:    engine,
		sessions:  sessions,
		licClient: licClient,
		tracker:   tracker,
		agg:       agg,
		settings:  settings,
		collector: collector,
		clk:       clk,
		role:      cfg.TerminalRole,
	}
}

// Start brings up the network stack for the current role and launches the
// periodic loops. Safe to call once; SetRole restarts internally.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked(ctx)
}

func (o *Orchestrator) startLocked(ctx context.Context) error {
	if o.started {
		return nil
	}

	if err := o.settings.Hydrate(ctx); err != nil {
		o.log.Warn("settings hydrate failed", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.log.Info("starting coordination core",
		zap.String("role", o.role),
		zap.String("terminal_id", o.ident.ID))

	switch o.role {
	case config.RoleMaster:
		o.disc.Start(loopCtx)
		if err := o.server.Start(); err != nil {
			cancel()
			o.disc.Stop()
			return err
		}
	case config.RoleSatellite:
		o.disc.Start(loopCtx)
		o.client.Start()
		o.spawn(loopCtx, o.autoSyncLoop)
	default:
		// Standalone runs no network stack.
	}

	if o.cfg.LicenseServerURL != "" {
		o.activate(loopCtx)
		o.spawn(loopCtx, o.licenseLoop)
		o.spawn(loopCtx, o.usageLoop)
	}
	o.spawn(loopCtx, o.sweepLoop)
	o.spawn(loopCtx, o.gaugeLoop)

	o.started = true
	return nil
}

// Stop tears the stack down. Blocks until the loops exit.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopLocked(ctx)
}

func (o *Orchestrator) stopLocked(ctx context.Context) error {
	if !o.started {
		return nil
	}
	o.cancel()

	var err error
	switch o.role {
	case config.RoleMaster:
		err = o.server.Stop(ctx)
		o.disc.Stop()
	case config.RoleSatellite:
		o.client.Stop()
		o.disc.Stop()
	}

	o.wg.Wait()
	o.started = false
	o.log.Info("coordination core stopped")
	return err
}

// SetRole persists the new role and restarts the network stack under it.
// The new role takes effect without restarting the process.
func (o *Orchestrator) SetRole(ctx context.Context, role string) error {
	switch role {
	case config.RoleStandalone, config.RoleMaster, config.RoleSatellite:
	default:
		return protocol.Errorf(protocol.CodeValidationError, "unknown terminal role %q", role)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if role == o.role {
		return nil
	}
	if err := o.settings.Put(ctx, settingsdomain.KeyTerminalRole, role); err != nil {
		return err
	}

	wasStarted := o.started
	if wasStarted {
		if err := o.stopLocked(ctx); err != nil {
			o.log.Warn("stop during role change", zap.Error(err))
		}
	}
	o.log.Info("terminal role changed", zap.String("from", o.role), zap.String("to", role))
	o.role = role
	if wasStarted {
		return o.startLocked(ctx)
	}
	return nil
}

func (o *Orchestrator) Role() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.role
}

// GetNetworkStatus reports the live coordination state.
func (o *Orchestrator) GetNetworkStatus(ctx context.Context) NetworkStatus {
	o.mu.Lock()
	running := o.started
	o.mu.Unlock()

	status := NetworkStatus{
		Role:      o.Role(),
		IsRunning: running,
		Discovery: o.disc.Stats(),
		Masters:   o.disc.Masters(),
		LocalIPs:  discovery.AllLocalIPs(),
		Degraded:  o.tracker.Degraded(),
	}

	switch status.Role {
	case config.RoleMaster:
		status.LinkState = "serving"
		status.ConnectedPeers = o.registry.Count()
	case config.RoleSatellite:
		status.LinkState = string(o.client.State())
		status.ConnectedMaster = o.client.ConnectedMaster()
	default:
		status.LinkState = "standalone"
	}

	if st, err := o.engine.Status(ctx); err == nil {
		status.Sync = st
	}
	return status
}

// SyncNow runs one push and pull pass immediately, outside the timer.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	return o.syncOnce(ctx)
}

func (o *Orchestrator) spawn(ctx context.Context, loop func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		loop(ctx)
	}()
}

func (o *Orchestrator) autoSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.holder.Get().AutoSync {
				continue
			}
			if o.client.State() != satellite.StateConnected {
				continue
			}
			if err := o.syncOnce(ctx); err != nil {
				o.log.Warn("auto sync failed", zap.Error(err))
			}
		}
	}
}

// syncOnce pushes the queue then pulls. A terminal with no cursor state
// yet takes the full snapshot instead of a delta.
func (o *Orchestrator) syncOnce(ctx context.Context) error {
	before, err := o.engine.Status(ctx)
	if err != nil {
		return err
	}

	if err := o.engine.PushPending(ctx); err != nil {
		return err
	}

	if after, err := o.engine.Status(ctx); err == nil {
		if pushed := before.Pending - after.Pending; pushed > 0 {
			if err := o.agg.RecordSyncedChanges(ctx, pushed); err != nil {
				o.log.Warn("record synced changes", zap.Error(err))
			}
		}
	}

	var syncErr error
	if fresh(before) {
		syncErr = o.engine.FullSync(ctx)
	} else {
		syncErr = o.engine.DeltaSync(ctx)
	}
	if syncErr != nil {
		return syncErr
	}

	if err := o.settings.Put(ctx, settingsdomain.KeyNetworkLastSync,
		o.clk.Now().Format(time.RFC3339)); err != nil {
		o.log.Warn("record last sync time", zap.Error(err))
	}
	return nil
}

func fresh(st *syncdomain.Status) bool {
	for _, v := range st.Cursors {
		if v > 0 {
			return false
		}
	}
	return true
}

func (o *Orchestrator) activate(ctx context.Context) {
	act, err := o.licClient.Activate(ctx)
	o.tracker.Update(act, err)
	o.engine.SetPaused(o.tracker.Degraded())
	o.collector.SetLicenseDegraded(o.tracker.Degraded())
	if err != nil {
		o.log.Warn("license activation failed", zap.Error(err))
		return
	}
	// The client logs a warning when the local clock drifts past the
	// skew threshold.
	if _, err := o.licClient.ServerTime(ctx); err != nil {
		o.log.Debug("server time check failed", zap.Error(err))
	}
}

func (o *Orchestrator) licenseLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ValidateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			act, err := o.licClient.Validate(ctx)
			o.tracker.Update(act, err)
			o.engine.SetPaused(o.tracker.Degraded())
			o.collector.SetLicenseDegraded(o.tracker.Degraded())
			if err == nil {
				if _, terr := o.licClient.ServerTime(ctx); terr != nil {
					o.log.Debug("server time check failed", zap.Error(terr))
				}
			}
		}
	}
}

func (o *Orchestrator) usageLoop(ctx context.Context) {
	ticker := time.NewTicker(submitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices := 1
			if o.Role() == config.RoleMaster {
				devices += o.registry.Count()
			}
			if err := o.agg.NoteActiveDevices(ctx, devices); err != nil {
				o.log.Warn("note active devices", zap.Error(err))
			}
			if err := o.agg.Submit(ctx, o.licClient); err != nil {
				o.log.Warn("usage submit failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.sessions.Sweep(ctx)
			if err != nil {
				o.log.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				o.log.Info("expired sessions removed", zap.Int64("count", n))
			}
		}
	}
}

func (o *Orchestrator) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.Role() == config.RoleMaster {
				o.collector.SetConnectedPeers(o.registry.Count())
			}
			if st, err := o.engine.Status(ctx); err == nil {
				o.collector.SetPendingChanges(st.Pending)
			}
		}
	}
}
