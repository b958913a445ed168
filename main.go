package main

import (
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/the-lightning-land/fwloadd/daemon"
	"github.com/the-lightning-land/fwloadd/fwdb"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	// Blank import to set up profiling HTTP handlers.
	_ "net/http/pprof"
)

var (
	// commit stores the current commit hash of this build. This should be set using -ldflags during compilation.
	Commit string
	// version stores the version string of this build. This should be set using -ldflags during compilation.
	Version string
	// date stores the date of this build. This should be set using -ldflags during compilation.
	Date string
)

// fwloaddMain is the true entry point for fwloadd. This is required since defers
// created in the top-level scope of a main method aren't executed if os.Exit() is called.
func fwloaddMain() error {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	// Load CLI configuration and defaults
	cfg, err := loadConfig()
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	} else if err != nil {
		return errors.Errorf("Failed parsing arguments: %v", err)
	}

	// Set logger into debug mode if called with --debug
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		log.Info("Setting debug mode.")
	}

	log.Debug("Loaded config.")

	// Print version of the daemon
	log.Infof("Version %s (commit %s)", Version, Commit)
	log.Infof("Built on %s", Date)

	// Stop here if only version was requested
	if cfg.ShowVersion {
		return nil
	}

	if cfg.Profiling != nil {
		go func() {
			log.Infof("Starting profiling server on %v", cfg.Profiling.Listen)
			// Redirect the root path
			http.Handle("/", http.RedirectHandler("/debug/pprof", http.StatusSeeOther))
			// All other handlers are registered on DefaultServeMux through the import of pprof
			err := http.ListenAndServe(cfg.Profiling.Listen, nil)
			if err != nil {
				log.Errorf("Could not run profiler: %v", err)
			}
		}()
	}

	// fwload.db persistently stores the outcome of every update
	db, err := fwdb.Open(cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "Could not open fwload.db")
	}

	log.Infof("Opened %v", db.Path())

	defer func() {
		err := db.Close()
		if err != nil {
			log.Errorf("Could not close fwload.db: %v", err)
		} else {
			log.Info("Closed fwload.db.")
		}
	}()

	devices, err := daemon.LoadDeviceFile(cfg.Devices)
	if err != nil {
		return errors.Wrapf(err, "Could not load devices from %v", cfg.Devices)
	}

	log.Infof("Loaded %d devices from %v", len(devices), cfg.Devices)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// central controller for every managed device
	d, err := daemon.New(&daemon.Config{
		DB:          db,
		FirmwareDir: cfg.FirmwareDir,
		ChunkSize:   cfg.ChunkSize,
		Listen:      cfg.Listen,
		Devices:     devices,
		Metrics:     registry,
		Logger:      log.New().WithField("system", "daemon"),
		DeviceLogger: func(kind string) daemon.Logger {
			return log.New().WithField("system", kind)
		},
	})
	if err != nil {
		return errors.Wrap(err, "Could not create daemon")
	}

	log.Infof("Created daemon.")

	// Handle interrupt signals correctly
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		log.Info(sig)
		log.Info("Received an interrupt, stopping daemon...")
		d.Shutdown()
	}()

	// blocks until the daemon is shut down and every device is drained
	err = d.Run()
	if err != nil {
		return errors.Errorf("Failed running daemon: %v", err)
	}

	// finish with no error
	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := fwloaddMain(); err != nil {
		log.WithError(err).Println("Failed running fwloadd.")
		os.Exit(1)
	}
}
