// Command posebridge turns skeletal joints from tracking sources into
// filtered, calibrated tracker poses and streams them to a VR driver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/posebridge/internal/app"
	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/config"
	"github.com/banshee-data/posebridge/internal/db"
	"github.com/banshee-data/posebridge/internal/endpoint"
	"github.com/banshee-data/posebridge/internal/loop"
	"github.com/banshee-data/posebridge/internal/monitor"
	"github.com/banshee-data/posebridge/internal/pipeline"
	"github.com/banshee-data/posebridge/internal/serialmux"
	"github.com/banshee-data/posebridge/internal/source/serial"
	"github.com/banshee-data/posebridge/internal/source/synthetic"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracking"
	"github.com/banshee-data/posebridge/internal/version"
	"github.com/banshee-data/posebridge/internal/vr"
)

var (
	configPath   = flag.String("config", "", "Tuning config file (.json, .yaml or .yml); built-in defaults when empty")
	dbPath       = flag.String("db", "posebridge.db", "Path to the sqlite settings database")
	driverAddr   = flag.String("driver", "", "Driver gRPC address (overrides driver_addr)")
	listen       = flag.String("listen", "", "Debug listen address (overrides debug_listen)")
	serialPort   = flag.String("serial", "", "Serial port of an IMU bridge, e.g. /dev/ttyACM0")
	baudRate     = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	useSynthetic = flag.Bool("synthetic", false, "Register the synthetic walker as a tracking device")
	recordRole   = flag.String("record", string(tracking.TrackerWaist), "Tracker role recorded for the debug filter chart")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// Exit codes.
const (
	exitOK    = 0
	exitSetup = 1
	exitUsage = 2
	exitFatal = 3 // main loop exhausted its crash budget; settings may need a reset
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("posebridge"))
		return
	}
	os.Exit(run())
}

func run() int {
	if *serialPort == "" && !*useSynthetic {
		log.Print("no tracking source: pass --serial and/or --synthetic")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return exitUsage
	}
	log.Printf("%s starting", version.String("posebridge"))

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Printf("failed to open settings database: %v", err)
		return exitSetup
	}
	defer database.Close()

	clock := timeutil.RealClock{}
	ac := app.New(db.NewSettingsStore(database, clock), nil, cfg.FilterParams())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	var bridge serialmux.SerialMuxInterface
	if *serialPort != "" {
		mux, err := serialmux.OpenBridge(*serialPort, *baudRate)
		if err != nil {
			log.Printf("failed to open serial port: %v", err)
			return exitSetup
		}
		defer mux.Close()
		bridge = mux

		// run the monitor routine to manage IO on the serial port
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor serial port: %v", err)
			}
			log.Print("serial monitor routine terminated")
		}()

		if err := ac.RegisterDevice(ctx, serial.New(*serialPort, mux, clock)); err != nil {
			log.Printf("failed to register serial device: %v", err)
			return exitSetup
		}
	}
	if *useSynthetic {
		if err := ac.RegisterDevice(ctx, synthetic.New(clock, time.Now().UnixNano())); err != nil {
			log.Printf("failed to register synthetic device: %v", err)
			return exitSetup
		}
	}
	if err := ac.ReadSettings(ctx); err != nil {
		log.Printf("failed to read settings: %v", err)
		return exitSetup
	}

	driver, err := endpoint.Dial(pick(*driverAddr, cfg.GetDriverAddr()))
	if err != nil {
		log.Printf("failed to create driver client: %v", err)
		return exitSetup
	}
	defer driver.Close()

	// No compositor is attached; the headless runtime reports the default
	// refresh rate and never raises input actions.
	loopCfg := cfg.LoopConfig()
	rt := vr.NewSimulated(loopCfg.DefaultRefreshHz)

	mainLoop := loop.New(ac, pipeline.New(cfg.FilterParams(), cfg.GetFlipThreshold()), driver, rt, clock, loopCfg)
	recorder := monitor.NewFilterRecorder(tracking.TrackerRole(*recordRole), 0)
	mainLoop.Observe(recorder)

	calibrator := monitor.NewCalibrator(ac, vr.Controls{Runtime: rt}, clock, calibratorConfig(cfg))
	server := monitor.NewWebServer(monitor.WebServerConfig{
		Address:    pick(*listen, cfg.GetDebugListen()),
		App:        ac,
		Loop:       mainLoop,
		DB:         database,
		Serial:     bridge,
		Recorder:   recorder,
		Calibrator: calibrator,
	})

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			log.Printf("debug server stopped: %v", err)
		}
	}()

	mainLoop.Begin()
	loopErr := mainLoop.Run(ctx)

	calibrator.Cancel()
	stop()
	wg.Wait()
	for _, d := range ac.Registry().Devices() {
		if err := ac.UnregisterDevice(d.ID()); err != nil {
			log.Printf("failed to unregister %s: %v", d.ID(), err)
		}
	}
	log.Printf("graceful shutdown complete")

	if errors.Is(loopErr, loop.ErrFatal) {
		log.Printf("main loop failed: %v", loopErr)
		return exitFatal
	}
	return exitOK
}

// loadConfig reads path, or returns an empty config when path is empty.
func loadConfig(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

func calibratorConfig(cfg *config.TuningConfig) monitor.CalibratorConfig {
	return monitor.CalibratorConfig{
		Auto:     cfg.AutoCalibration(calibration.CaptureCountdown),
		Manual:   cfg.ManualCalibration(),
		Rotation: cfg.RotationCalibration(),
	}
}

// pick returns override unless it is empty.
func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
