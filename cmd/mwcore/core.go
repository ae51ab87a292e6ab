package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/mwcore/internal/accessplugin"
	"github.com/basket/mwcore/internal/codec"
	"github.com/basket/mwcore/internal/config"
	"github.com/basket/mwcore/internal/connstate"
	"github.com/basket/mwcore/internal/ctl"
	"github.com/basket/mwcore/internal/dispatch"
	"github.com/basket/mwcore/internal/housekeeping"
	"github.com/basket/mwcore/internal/mapper"
	"github.com/basket/mwcore/internal/obs"
	"github.com/basket/mwcore/internal/rdcstore"
	"github.com/basket/mwcore/internal/registry"
	"github.com/basket/mwcore/internal/router"
	"github.com/basket/mwcore/internal/streamep"
	"github.com/basket/mwcore/internal/syncwait"
	"github.com/basket/mwcore/internal/transport"
	"github.com/basket/mwcore/internal/wire"
)

// coreParams are the inputs newCore needs to assemble a Core.
type coreParams struct {
	AppName    string
	SessionKey []byte
	Fd         uintptr
	Config     config.Config
	Logger     *slog.Logger
	// Shutdown, if set, is invoked by the terminate dispatch handler to
	// begin the graceful-shutdown sequence.
	Shutdown func()
}

// Core wires together every owned subsystem the process exposes: the
// component channel, the dispatch table, the endpoint registry, the
// mapping table, the router, stream pipes, the blocking-call synchroniser,
// and the supporting stack (rdcstore, housekeeping, obs, ctl,
// accessplugin).
type Core struct {
	logger *slog.Logger
	cfg    config.Config

	registry *registry.Registry
	mapperTbl *mapper.Table
	pipes     *streamep.Registry
	rtr       *router.Router
	sync      *syncwait.Synchroniser
	dispatchTbl *dispatch.Table

	store     *rdcstore.Store
	sweeper   *housekeeping.Sweeper
	obsProv   *obs.Provider
	access    *accessplugin.Host
	ctlServer *ctl.Server

	componentConn *transport.ComponentChannel
	componentState *connstate.Conn

	debugSrv         *http.Server
	transportServers []*http.Server

	transports      map[string]transport.Module
	remoteManifests sync.Map

	connStatesMu sync.Mutex
	connStates   map[string]map[int]*connstate.Conn

	shutdown func()

	sessionKey []byte
}

func newCore(ctx context.Context, p coreParams) (*Core, error) {
	c := &Core{
		logger:     p.Logger,
		cfg:        p.Config,
		registry:   registry.NewRegistry(p.AppName, registry.NewIDGenerator()),
		mapperTbl:  mapper.NewTable(),
		pipes:      streamep.NewRegistry(),
		sync:       syncwait.New(),
		transports:   make(map[string]transport.Module),
		connStates:   make(map[string]map[int]*connstate.Conn),
		sessionKey:   p.SessionKey,
		shutdown:     p.Shutdown,
	}

	c.pipes.SetChunkSize(p.Config.StreamChunkSize)

	store, err := rdcstore.Open(p.Config.RDCStorePath)
	if err != nil {
		return nil, fmt.Errorf("open rdcstore: %w", err)
	}
	c.store = store
	for _, rdc := range p.Config.RDCs {
		if err := store.RegisterRDC(ctx, rdc.Name, rdc.Address); err != nil {
			return nil, fmt.Errorf("seed rdc %q: %w", rdc.Name, err)
		}
	}

	c.rtr = router.New(c.registry, c.pipes, c.store)

	obsCfg := obs.Config{
		Enabled:     p.Config.Obs.Enabled,
		Exporter:    p.Config.Obs.Exporter,
		Endpoint:    p.Config.Obs.Endpoint,
		ServiceName: p.Config.Obs.ServiceName,
		SampleRate:  p.Config.Obs.SampleRate,
	}
	obsProv, err := obs.Init(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	c.obsProv = obsProv

	access, err := accessplugin.NewHost(ctx, accessplugin.Config{Logger: p.Logger})
	if err != nil {
		return nil, fmt.Errorf("init access-control sandbox: %w", err)
	}
	c.access = access
	if p.Config.Access != nil && p.Config.Access.Path != "" {
		if _, err := c.access.LoadFromFile(ctx, p.Config.Access.Path); err != nil {
			return nil, fmt.Errorf("load access module: %w", err)
		}
	}

	c.sweeper = housekeeping.New(housekeeping.Config{
		Mapper:     c.mapperTbl,
		Pipes:      c.pipes,
		Logger:     p.Logger,
		Schedule:   p.Config.Housekeeping.Schedule,
		StaleAfter: p.Config.Housekeeping.StaleAfter.Std(),
	})

	for _, tc := range p.Config.Transports {
		mod, err := c.loadTransport(ctx, tc)
		if err != nil {
			return nil, fmt.Errorf("load transport %q: %w", tc.Module, err)
		}
		c.registerTransport(tc.Module, mod, tc.Bridge)
	}

	c.dispatchTbl = dispatch.NewTable()
	c.registerHandlers()

	if p.Config.Debug.Enabled {
		c.ctlServer = ctl.New(ctl.Config{
			Stats:           coreStats{c},
			AuthToken:       p.Config.Debug.Token,
			ApprovalTimeout: 0,
			Logger:          p.Logger,
		}, func(lepID, address string) int {
			return c.mapperTbl.Unmap(lepID, address)
		})
		mux := http.NewServeMux()
		mux.Handle("/ctl", c.ctlServer.Handler())
		c.debugSrv = &http.Server{Addr: p.Config.Debug.Listen, Handler: mux}
	}

	c.componentConn = transport.NewComponentChannel(p.Fd)
	c.componentConn.SetOnData(c.onComponentFrame)

	c.componentState = connstate.NewComponentChannel(connstate.Hooks{
		VerifySessionKey: func(presented []byte) bool {
			return string(presented) == string(c.sessionKey)
		},
		OnOperational: func() {
			c.logger.Info("component channel operational")
		},
	})

	return c, nil
}

// Run starts the background sweeper and blocks reading the component
// channel until it closes or ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	if err := c.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start housekeeping sweeper: %w", err)
	}
	defer c.sweeper.Stop()
	defer c.access.Close(ctx)
	defer c.store.Close()
	if c.obsProv != nil {
		defer c.obsProv.Shutdown(ctx)
	}

	if c.debugSrv != nil {
		go func() {
			if err := c.debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.logger.Error("ctl debug server exited", "error", err)
			}
		}()
		defer c.debugSrv.Close()
	}

	for _, srv := range c.transportServers {
		srv := srv
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.logger.Error("transport listener exited", "addr", srv.Addr, "error", err)
			}
		}()
		defer srv.Close()
	}

	if c.cfg.RDCDirPath != "" || c.cfg.AccessListPath != "" {
		watcher := config.NewWatcher(c.cfg, c.logger)
		if err := watcher.Start(ctx); err != nil {
			c.logger.Error("failed to start config watcher", "error", err)
		} else {
			go c.applyReloads(ctx, watcher.Events())
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.componentConn.ReadLoop() }()

	select {
	case <-ctx.Done():
		_ = c.componentConn.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// applyReloads drains config hot-reload events: the RDC directory file
// refreshes the discovery store, the access list file re-applies per-endpoint
// access subjects. Transport and access plug-in paths stay load-once.
func (c *Core) applyReloads(ctx context.Context, events <-chan config.ReloadEvent) {
	for ev := range events {
		switch ev.Path {
		case c.cfg.RDCDirPath:
			entries, err := config.LoadRDCFile(ev.Path)
			if err != nil {
				c.logger.Error("rdc directory reload failed", "path", ev.Path, "error", err)
				continue
			}
			for _, e := range entries {
				if err := c.store.RegisterRDC(ctx, e.Name, e.Address); err != nil {
					c.logger.Error("rdc directory reload: register failed", "name", e.Name, "error", err)
				}
			}
			c.logger.Info("rdc directory reloaded", "entries", len(entries))
		case c.cfg.AccessListPath:
			lists, err := config.LoadAccessListFile(ev.Path)
			if err != nil {
				c.logger.Error("access list reload failed", "path", ev.Path, "error", err)
				continue
			}
			applied := 0
			for epID, subjects := range lists {
				if lep, ok := c.registry.Get(epID); ok {
					lep.SetAccess(subjects)
					applied++
				}
			}
			c.logger.Info("access lists reloaded", "applied", applied)
		}
	}
}

// onComponentFrame handles one complete frame read off the component
// channel. While the connection hasn't presented its session key yet,
// FirstMessage consumes the raw payload; afterward every frame is a CMD
// frame decoded and run through the dispatch table.
func (c *Core) onComponentFrame(_ int, data []byte) {
	if !c.componentState.Operational() {
		if err := c.componentState.FirstMessage(data); err != nil {
			c.logger.Warn("component channel rejected session key", "error", err)
			_ = c.componentConn.Close()
		}
		return
	}

	frame, err := codec.Decode(data)
	if err != nil {
		c.logger.Warn("failed to decode command frame", "error", err)
		return
	}

	dctx := context.Background()
	started := time.Now()
	if c.obsProv != nil {
		var span trace.Span
		dctx, span = obs.StartDispatchSpan(dctx, c.obsProv.Tracer, strings.TrimRight(frame.FunctionID, "_"))
		defer span.End()
		defer func() {
			c.obsProv.Metrics.DispatchDuration.Record(dctx, time.Since(started).Seconds())
		}()
	}

	reply, err := c.dispatchTbl.Dispatch(dctx, frame)
	if err != nil {
		c.logger.Error("dispatch handler failed", "module", frame.ModuleID, "function", frame.FunctionID, "error", err)
		return
	}
	if reply == nil {
		return
	}
	if err := c.componentConn.Send(0, reply.Frame.EncodeStreaming()); err != nil {
		c.logger.Error("failed writing reply frame", "error", err)
	}
}

// deliverToComponent pushes one inbound message up the component channel as
// an 'a'-tagged delivery frame, the push path for non-queuing endpoints.
// The component's dispatcher thread decodes the frame and invokes the user
// handler registered against the endpoint id in args[0].
func (c *Core) deliverToComponent(msg wire.Message) {
	if c.componentConn == nil {
		return
	}
	f := codec.CommandFrame{
		Direction:  wire.DirDelivery,
		ModuleID:   "core",
		FunctionID: "ep_deliver",
		ReturnType: wire.ReturnMsg,
		MsgID:      msg.MsgID,
		Args:       [][]byte{[]byte(msg.EndpointID), []byte(msg.Status), msg.Body},
	}
	if err := c.componentConn.Send(0, f.EncodeStreaming()); err != nil {
		c.logger.Error("failed delivering push message to component", "endpoint_id", msg.EndpointID, "error", err)
	}
}

// coreStats adapts Core's owned state to internal/ctl's Stats interface.
type coreStats struct{ c *Core }

func (s coreStats) Endpoints() []*registry.LocalEndpoint { return s.c.registry.All() }
func (s coreStats) Mappings() []*mapper.Mapping          { return s.c.mapperTbl.All() }
func (s coreStats) DeniedCount() uint64                  { return s.c.rtr.DeniedCount() }
