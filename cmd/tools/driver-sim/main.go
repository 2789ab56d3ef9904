// Command driver-sim serves the reference driver over gRPC so posebridge can
// run without a VR compositor. It logs what it receives at a fixed interval.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc"

	"github.com/banshee-data/posebridge/internal/config"
	"github.com/banshee-data/posebridge/internal/endpoint"
	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/tracking"
)

func main() {
	listen := flag.String("listen", config.DefaultDriverAddr, "gRPC listen address")
	interval := flag.Duration("report", 5*time.Second, "interval between received-pose reports")
	height := flag.Float64("headset-height", 1.7, "headset height in metres")
	flag.Parse()

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", *listen, err)
	}

	drv := endpoint.NewDriverServer()
	drv.SetHeadset(r3.Vec{Y: *height}, geom.Identity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("driver-sim listening on %s", lis.Addr())
	if err := serve(ctx, lis, drv, *interval); err != nil {
		log.Fatalf("driver-sim: %v", err)
	}
	log.Print("driver-sim stopped")
}

// serve runs the driver on lis until ctx is done.
func serve(ctx context.Context, lis net.Listener, drv *endpoint.DriverServer, interval time.Duration) error {
	srv := grpc.NewServer()
	endpoint.RegisterDriverService(srv, drv)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			report(drv)
		case err := <-errc:
			return err
		case <-ctx.Done():
			srv.GracefulStop()
			return nil
		}
	}
}

func report(drv *endpoint.DriverServer) {
	poses, states := drv.Counts()
	log.Printf("received %d pose batches, %d state batches", poses, states)
	for _, role := range tracking.DefaultRoles {
		if p, ok := drv.Tracker(role.Serial()); ok && p.Active {
			log.Printf("  %-10s pos=(%.3f, %.3f, %.3f)", role, p.Position.X, p.Position.Y, p.Position.Z)
		}
	}
	for _, reason := range drv.Restarts() {
		log.Printf("  restart requested: %s", reason)
	}
}
