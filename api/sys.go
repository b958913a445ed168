package api

import (
	"github.com/gorilla/mux"
	"github.com/the-lightning-land/fwloadd/secmgr"
	"github.com/the-lightning-land/fwloadd/updater"
	"io"
	"net/http"
)

// attributes are short, anything longer than a path is rejected anyway
const maxAttributeSize = 8192

func (a *Api) textError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	switch err {
	case secmgr.ErrUnknownAttribute:
		code = http.StatusNotFound
	case secmgr.ErrPermission:
		code = http.StatusForbidden
	case secmgr.ErrInvalidArgument:
		code = http.StatusBadRequest
	case updater.ErrBusy:
		code = http.StatusConflict
	case updater.ErrNoActiveUpdate:
		code = http.StatusNotFound
	}

	http.Error(w, err.Error(), code)
}

func (a *Api) secMgr(w http.ResponseWriter, r *http.Request) (*secmgr.Device, bool) {
	name := mux.Vars(r)["name"]

	dev, ok := a.devices.SecMgr(name)
	if !ok {
		http.Error(w, "No security manager named "+name, http.StatusNotFound)
		return nil, false
	}

	return dev, true
}

func (a *Api) handleGetAttribute() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dev, ok := a.secMgr(w, r)
		if !ok {
			return
		}

		val, err := dev.Show(mux.Vars(r)["attr"])
		if err != nil {
			a.textError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, val)
	}
}

func (a *Api) handlePutAttribute() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dev, ok := a.secMgr(w, r)
		if !ok {
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxAttributeSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := dev.Store(mux.Vars(r)["attr"], string(body)); err != nil {
			a.textError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
