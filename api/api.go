package api

import (
	"context"
	"github.com/go-errors/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/the-lightning-land/fwloadd/fwdb"
	"github.com/the-lightning-land/fwloadd/imageload"
	"github.com/the-lightning-land/fwloadd/secmgr"
	"github.com/the-lightning-land/fwloadd/updater"
	"net"
	"net/http"
)

// Devices resolves device names to the surface they were registered with.
type Devices interface {
	SecMgr(name string) (*secmgr.Device, bool)
	ImageLoad(name string) (*imageload.File, bool)
}

// History gives access to the records of finished updates.
type History interface {
	ListUpdates(device string) ([]*fwdb.UpdateRecord, error)
}

type Config struct {
	Registry *updater.Registry
	Devices  Devices
	History  History
	// Gatherer backs /metrics, the default registry when nil
	Gatherer prometheus.Gatherer
	// MaxImageSize limits raw image uploads, defaultMaxImageSize when zero
	MaxImageSize int64
	Log          Logger
}

type Api struct {
	registry *updater.Registry
	devices  Devices
	history  History
	router   *mux.Router
	server   *http.Server
	log      Logger

	maxImageSize int64
}

func New(config *Config) *Api {
	api := &Api{
		registry: config.Registry,
		devices:  config.Devices,
		history:  config.History,
		router:   mux.NewRouter(),
	}

	if config.Log != nil {
		api.log = config.Log
	} else {
		api.log = noopLogger{}
	}

	api.maxImageSize = config.MaxImageSize
	if api.maxImageSize <= 0 {
		api.maxImageSize = defaultMaxImageSize
	}

	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	api.router.Handle("/api/v1/devices", api.handleGetDevices()).Methods(http.MethodGet)
	api.router.Handle("/api/v1/devices/{name}", api.handleGetDevice()).Methods(http.MethodGet)

	api.router.Handle("/api/v1/devices/{name}/updates", api.handlePostUpdate()).Methods(http.MethodPost)
	api.router.Handle("/api/v1/devices/{name}/updates", api.handleDeleteUpdate()).Methods(http.MethodDelete)
	api.router.Handle("/api/v1/devices/{name}/updates", api.handleGetUpdates()).Methods(http.MethodGet)
	api.router.Handle("/api/v1/devices/{name}/events", api.handleGetEvents()).Methods(http.MethodGet)

	api.router.Handle("/sys/{name}/{attr:.+}", api.handleGetAttribute()).Methods(http.MethodGet)
	api.router.Handle("/sys/{name}/{attr:.+}", api.handlePutAttribute()).Methods(http.MethodPut)

	api.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api.server = &http.Server{Handler: api.router}

	return api
}

// Handler exposes the router, mostly for tests.
func (a *Api) Handler() http.Handler {
	return a.router
}

func (a *Api) Serve(l net.Listener) error {
	err := a.server.Serve(l)
	if err != nil && err != http.ErrServerClosed {
		return errors.Errorf("Unable to serve api: %v", err)
	}

	return nil
}

// Shutdown stops accepting requests and waits for active ones. Event
// streams end once their device is unregistered.
func (a *Api) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}
