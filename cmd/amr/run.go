package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/banshee-data/amr.controller/internal/api"
	"github.com/banshee-data/amr.controller/internal/config"
	"github.com/banshee-data/amr.controller/internal/control"
	"github.com/banshee-data/amr.controller/internal/dashboard"
	"github.com/banshee-data/amr.controller/internal/db"
	"github.com/banshee-data/amr.controller/internal/ingest"
	"github.com/banshee-data/amr.controller/internal/lidar"
	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/serialmux"
	"github.com/banshee-data/amr.controller/internal/sim"
	"github.com/banshee-data/amr.controller/internal/stream"
	"github.com/banshee-data/amr.controller/internal/timeutil"
	"github.com/banshee-data/amr.controller/internal/units"
)

const (
	devPortPath     = "sim"
	devPeriod       = 100 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

type options struct {
	dev          bool
	disableBoard bool
	listen       string
	grpcListen   string
	port         string
	dbPath       string
	configPath   string
	lidarUDP     string
	lidarPcap    string
	exportDir    string
	units        string
	// driveRate of zero keeps the API default.
	driveRate float64
}

func (o options) validate() error {
	if o.listen == "" {
		return errors.New("listen address is required")
	}
	if o.dbPath == "" {
		return errors.New("database path is required")
	}
	if o.dev && o.disableBoard {
		return errors.New("-dev and -disable-board are mutually exclusive")
	}
	if o.lidarUDP != "" && o.lidarPcap != "" {
		return errors.New("-lidar-udp and -lidar-pcap are mutually exclusive")
	}
	if o.driveRate < 0 {
		return fmt.Errorf("invalid drive rate %g, must not be negative", o.driveRate)
	}
	if !units.IsValid(o.units) {
		return fmt.Errorf("invalid units %q, must be one of: %s", o.units, units.GetValidUnitsString())
	}
	return nil
}

// listeners reports the bound addresses once everything is serving. Tests
// use it to find ports chosen by the kernel.
type listeners struct {
	HTTP net.Addr
	GRPC net.Addr
}

// devBoards tracks the simulated board behind the current mux so the
// simulated LIDAR keeps following the robot across serial reloads.
type devBoards struct {
	current atomic.Pointer[sim.Board]
	cfg     *config.ControllerConfig
}

func (d *devBoards) open(string, serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
	b := sim.NewBoard(sim.BoardOptions{
		Period:        devPeriod,
		TicksPerMetre: d.cfg.GetTicksPerMetre(),
		WheelBase:     d.cfg.GetWheelBase(),
	})
	d.current.Store(b)
	return serialmux.NewSerialMux[*sim.Board](b), nil
}

func (d *devBoards) pose() robot.Pose {
	if b := d.current.Load(); b != nil {
		return b.Pose()
	}
	return robot.Pose{}
}

// openSerial picks the initial board link: the simulated board in dev mode,
// the -port flag, or the first enabled configuration in the database. A port
// that fails to open leaves the link disabled so the operator can fix the
// configuration through the API and reload.
func openSerial(ctx context.Context, o options, database *db.DB, dev *devBoards) (serialmux.SerialMuxInterface, api.SerialConfigSnapshot, api.SerialMuxFactory) {
	if o.dev {
		m, _ := dev.open(devPortPath, serialmux.PortOptions{})
		opts, _ := serialmux.PortOptions{}.Normalize()
		return m, api.SerialConfigSnapshot{PortPath: devPortPath, Source: "dev", Options: opts}, dev.open
	}

	realFactory := func(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
		m, err := serialmux.NewRealSerialMux(path, opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	if o.disableBoard {
		log.Printf("board disabled; serial link inactive")
		return serialmux.NewDisabledSerialMux(), api.SerialConfigSnapshot{}, realFactory
	}

	snap := api.SerialConfigSnapshot{PortPath: o.port, Source: "flag"}
	if o.port == "" {
		configs, err := database.GetEnabledSerialConfigs(ctx)
		if err != nil {
			log.Printf("failed to load serial configurations: %v", err)
		}
		if len(configs) == 0 {
			log.Printf("no enabled serial configuration; serial link inactive")
			return serialmux.NewDisabledSerialMux(), api.SerialConfigSnapshot{}, realFactory
		}
		c := configs[0]
		snap = api.SerialConfigSnapshot{
			ConfigID: c.ID,
			Name:     c.Name,
			PortPath: c.PortPath,
			Source:   "database",
			Options:  serialmux.PortOptions{BaudRate: c.BaudRate, DataBits: c.DataBits, StopBits: c.StopBits, Parity: c.Parity},
		}
	}
	normalized, err := snap.Options.Normalize()
	if err != nil {
		log.Printf("invalid serial options for %s: %v; serial link inactive", snap.PortPath, err)
		return serialmux.NewDisabledSerialMux(), api.SerialConfigSnapshot{}, realFactory
	}
	snap.Options = normalized

	m, err := realFactory(snap.PortPath, snap.Options)
	if err != nil {
		log.Printf("failed to open serial port: %v; serial link inactive", err)
		return serialmux.NewDisabledSerialMux(), api.SerialConfigSnapshot{}, realFactory
	}
	return m, snap, realFactory
}

func loadConfig(path string) (*config.ControllerConfig, error) {
	if path == "" {
		return config.EmptyControllerConfig(), nil
	}
	return config.LoadControllerConfig(path)
}

// lidarSource returns the configured scan source, or nil when there is none.
func lidarSource(o options, dev *devBoards) lidar.Source {
	switch {
	case o.lidarUDP != "":
		return lidar.NewUDPSource(o.lidarUDP)
	case o.lidarPcap != "":
		return &lidar.PcapSource{Path: o.lidarPcap, Realtime: true}
	case o.dev:
		return lidar.NewSimSource(sim.DefaultRoom(), dev.pose)
	}
	return nil
}

// ignoreCanceled maps a clean shutdown to nil so errgroup only reports real
// failures.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// run wires the controller and blocks until ctx is cancelled or a routine
// fails. ready, when non-nil, is called once the listeners are bound.
func run(ctx context.Context, o options, ready func(listeners)) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	database, err := db.NewDB(o.dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	dev := &devBoards{cfg: cfg}
	initial, snap, factory := openSerial(ctx, o, database, dev)
	manager := api.NewSerialPortManager(database, initial, snap, factory)
	defer manager.Close()
	manager.OnReload = func(s api.SerialConfigSnapshot) {
		log.Printf("serial link now %s %s (%s)", s.PortPath, s.Options, s.Source)
	}
	if err := manager.Initialize(); err != nil {
		log.Printf("failed to initialize board link: %v", err)
	} else if snap.PortPath != "" {
		log.Printf("initialized board link on %s %s", snap.PortPath, snap.Options)
	}

	clock := timeutil.RealClock{}
	ctrl := control.New(control.Options{
		Config:  cfg,
		Sender:  manager,
		Clock:   clock,
		Journal: database,
	})

	httpLis, err := net.Listen("tcp", o.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", o.listen, err)
	}
	var grpcLis net.Listener
	if o.grpcListen != "" {
		if grpcLis, err = net.Listen("tcp", o.grpcListen); err != nil {
			httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", o.grpcListen, err)
		}
	}

	apiServer := api.NewServer(ctrl, database, o.units)
	apiServer.SetSerialManager(manager)
	if o.driveRate > 0 {
		apiServer.SetDriveLimit(rate.Limit(o.driveRate), api.DefaultDriveBurst)
	}
	mux := apiServer.ServeMux()
	manager.AttachAdminRoutes(mux)
	if err := database.AttachAdminRoutes(mux); err != nil {
		log.Printf("failed to attach database admin routes: %v", err)
	}
	dashboard.New(ctrl, dashboard.Options{
		History:   database,
		Clock:     clock,
		ExportDir: o.exportDir,
	}).AttachRoutes(mux)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/dashboard/", http.StatusFound)
	})

	g, gctx := errgroup.WithContext(ctx)

	// serial IO
	g.Go(func() error {
		err := manager.Monitor(gctx)
		log.Print("monitor routine terminated")
		return ignoreCanceled(err)
	})

	// board lines into the controller
	pump := &ingest.Pump{Source: manager, Handler: ctrl}
	g.Go(func() error {
		err := pump.Run(gctx)
		lines, invalid := pump.Stats()
		log.Printf("ingest routine terminated after %d lines (%d invalid)", lines, invalid)
		return ignoreCanceled(err)
	})

	// safety checks and journal writes
	g.Go(func() error { return ignoreCanceled(ctrl.Run(gctx)) })

	recorder := &ingest.Recorder{
		Store:     database,
		Snapshot:  ctrl.Snapshot,
		Interval:  func() time.Duration { return ctrl.Config().GetTelemetryRecordInterval() },
		Retention: func() time.Duration { return ctrl.Config().GetTelemetryRetention() },
		Clock:     clock,
	}
	g.Go(func() error { return ignoreCanceled(recorder.Run(gctx)) })

	if o.configPath != "" {
		g.Go(func() error {
			return ignoreCanceled(config.Watch(gctx, o.configPath, func(c *config.ControllerConfig) {
				ctrl.SetConfig(c)
				log.Printf("applied controller config from %s", o.configPath)
			}))
		})
	}

	if src := lidarSource(o, dev); src != nil {
		g.Go(func() error {
			err := src.Run(gctx, ctrl.ObserveScan)
			log.Print("lidar routine terminated")
			return ignoreCanceled(err)
		})
	}

	server := &http.Server{
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Printf("HTTP server listening on %s", httpLis.Addr())
		if err := server.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
		return nil
	})

	if grpcLis != nil {
		g.Go(func() error {
			return stream.Serve(gctx, grpcLis, stream.NewServer(ctrl, clock))
		})
	}

	if ready != nil {
		l := listeners{HTTP: httpLis.Addr()}
		if grpcLis != nil {
			l.GRPC = grpcLis.Addr()
		}
		ready(l)
	}

	err = g.Wait()
	if stopErr := ctrl.EmergencyStop("controller shutdown"); stopErr != nil {
		log.Printf("failed to stop motors on shutdown: %v", stopErr)
	}
	return err
}
