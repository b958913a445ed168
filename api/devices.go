package api

import (
	"github.com/gorilla/mux"
	"github.com/the-lightning-land/fwloadd/updater"
	"net/http"
	"time"
)

const (
	kindSecMgr    = "secmgr"
	kindImageLoad = "imageload"
)

type updateResponse struct {
	Id       string     `json:"id"`
	Source   string     `json:"source"`
	Size     uint32     `json:"size"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
}

type statusResponse struct {
	Progress      string          `json:"progress"`
	RemainingSize uint32          `json:"remainingSize"`
	ErrorProgress string          `json:"errorProgress,omitempty"`
	Error         string          `json:"error,omitempty"`
	Update        *updateResponse `json:"update,omitempty"`
}

type deviceResponse struct {
	Name      string          `json:"name"`
	Handle    uint32          `json:"handle"`
	Kind      string          `json:"kind"`
	Unloading bool            `json:"unloading"`
	Status    *statusResponse `json:"status"`
}

func newUpdateResponse(update *updater.Update) *updateResponse {
	if update == nil {
		return nil
	}

	res := &updateResponse{
		Id:      update.Id,
		Source:  update.Source,
		Size:    update.Size,
		Started: update.Started,
	}

	if !update.Finished.IsZero() {
		finished := update.Finished
		res.Finished = &finished
	}

	return res
}

func newStatusResponse(status *updater.Status) *statusResponse {
	res := &statusResponse{
		Progress:      status.Progress.String(),
		RemainingSize: status.RemainingSize,
		Update:        newUpdateResponse(status.Update),
	}

	if status.ErrorCode != updater.ErrNone {
		res.ErrorProgress = status.ErrorProgress.String()
		res.Error = status.ErrorCode.String()
	}

	return res
}

func (a *Api) kind(name string) string {
	if _, ok := a.devices.SecMgr(name); ok {
		return kindSecMgr
	}

	if _, ok := a.devices.ImageLoad(name); ok {
		return kindImageLoad
	}

	return ""
}

func (a *Api) newDeviceResponse(s *updater.Session) *deviceResponse {
	return &deviceResponse{
		Name:      s.Name(),
		Handle:    s.Id(),
		Kind:      a.kind(s.Name()),
		Unloading: s.Unloading(),
		Status:    newStatusResponse(s.Status()),
	}
}

// session resolves the device named in the request path or responds with
// not found.
func (a *Api) session(w http.ResponseWriter, r *http.Request) (*updater.Session, bool) {
	name := mux.Vars(r)["name"]

	s, ok := a.registry.Lookup(name)
	if !ok {
		a.jsonError(w, "No device named "+name, http.StatusNotFound)
		return nil, false
	}

	return s, true
}

func (a *Api) handleGetDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := []*deviceResponse{}

		for _, s := range a.registry.Sessions() {
			res = append(res, a.newDeviceResponse(s))
		}

		a.jsonResponse(w, res, http.StatusOK)
	}
}

func (a *Api) handleGetDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := a.session(w, r)
		if !ok {
			return
		}

		a.jsonResponse(w, a.newDeviceResponse(s), http.StatusOK)
	}
}
