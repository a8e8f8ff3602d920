// Command amr runs the high-level controller: it talks to the low-level board
// over the serial link, serves the HTTP API and dashboard, records telemetry
// and streams snapshots over gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/amr.controller/internal/api"
	"github.com/banshee-data/amr.controller/internal/db"
	"github.com/banshee-data/amr.controller/internal/units"
	"github.com/banshee-data/amr.controller/internal/version"
)

var (
	devMode      = flag.Bool("dev", false, "Run against a simulated board and LIDAR")
	disableBoard = flag.Bool("disable-board", false, "Run without a low-level board (API and dashboard only)")
	listen       = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen   = flag.String("grpc-listen", ":50051", "gRPC telemetry listen address (empty disables)")
	port         = flag.String("port", "", "Serial port to use; overrides the database configuration (ignored in dev mode)")
	dbPath       = flag.String("db", "amr.db", "SQLite database path")
	configPath   = flag.String("config", "", "Controller tuning JSON; watched for changes (empty uses built-in defaults)")
	lidarUDP     = flag.String("lidar-udp", "", "UDP address to receive LIDAR scan packets on, e.g. :2368")
	lidarPcap    = flag.String("lidar-pcap", "", "Replay LIDAR packets from a pcap file")
	exportDir    = flag.String("export-dir", "exports", "Directory for dashboard exports")
	unitsFlag    = flag.String("units", units.Metres, "Default distance units for the API ("+units.GetValidUnitsString()+")")
	driveRate    = flag.Float64("drive-rate", float64(api.DefaultDriveRate), "Drive commands per second accepted by the API")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags]\n       %s migrate <action> [args]\n\nFlags:\n", os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("amr"))
		return
	}

	if flag.NArg() > 0 && flag.Arg(0) == "migrate" {
		cmd := &db.MigrateCommand{DBPath: *dbPath, Out: os.Stdout, In: os.Stdin}
		if err := cmd.Run(flag.Args()[1:]); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if flag.NArg() > 0 {
		usage()
		os.Exit(2)
	}

	o := options{
		dev:          *devMode,
		disableBoard: *disableBoard,
		listen:       *listen,
		grpcListen:   *grpcListen,
		port:         *port,
		dbPath:       *dbPath,
		configPath:   *configPath,
		lidarUDP:     *lidarUDP,
		lidarPcap:    *lidarPcap,
		exportDir:    *exportDir,
		units:        *unitsFlag,
		driveRate:    *driveRate,
	}
	if err := o.validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("starting %s", version.String("amr"))
	if err := run(ctx, o, nil); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("amr: %v", err)
	}
	log.Printf("graceful shutdown complete")
}
