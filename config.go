package main

import (
	"github.com/jessevdk/go-flags"
	"github.com/the-lightning-land/fwloadd/updater"
	"os"
	"path/filepath"
)

const (
	defaultDataDir     = "/var/lib/fwloadd"
	defaultFirmwareDir = "/lib/firmware"
	defaultDevicesFile = "/etc/fwloadd/devices.yaml"
	defaultListen      = "localhost:9080"
)

type profilingConfig struct {
	Listen string `long:"listen" description:"Address the pprof server listens on"`
}

type config struct {
	ShowVersion bool   `short:"v" long:"version" description:"Display version information and exit"`
	Debug       bool   `long:"debug" description:"Start in debug mode"`
	DataDir     string `long:"datadir" description:"Directory holding the update history"`
	FirmwareDir string `long:"firmwaredir" description:"Directory firmware file names are resolved in"`
	Devices     string `long:"devices" description:"YAML file describing the managed devices"`
	// Listen can be given multiple times
	Listen    []string         `long:"listen" description:"Add an address the API listens on"`
	ChunkSize uint32           `long:"chunksize" description:"Maximum number of bytes handed to a device per write"`
	Profiling *profilingConfig `group:"Profiling" namespace:"profiling"`
}

// loadConfig parses the command line on top of the defaults.
func loadConfig() (*config, error) {
	cfg := config{
		DataDir:     defaultDataDir,
		FirmwareDir: defaultFirmwareDir,
		Devices:     defaultDevicesFile,
		ChunkSize:   updater.DefaultChunkSize,
	}

	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{defaultListen}
	}

	// profiling is off unless an address is given
	if cfg.Profiling != nil && cfg.Profiling.Listen == "" {
		cfg.Profiling = nil
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.FirmwareDir = cleanAndExpandPath(cfg.FirmwareDir)
	cfg.Devices = cleanAndExpandPath(cfg.Devices)

	return &cfg, nil
}

// cleanAndExpandPath expands environment variables and a leading ~ in path.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}
