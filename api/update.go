package api

import (
	"encoding/json"
	"github.com/go-errors/errors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/the-lightning-land/fwloadd/imageload"
	"github.com/the-lightning-land/fwloadd/secmgr"
	"github.com/the-lightning-land/fwloadd/updater"
	"io"
	"net/http"
	"time"
)

// defaultMaxImageSize bounds raw image uploads to the staging area of the
// largest supported device.
const defaultMaxImageSize = 0x3800000

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type postUpdateRequest struct {
	Filename string `json:"filename"`
}

type eventResponse struct {
	Device string `json:"device"`
	statusResponse
}

type historyResponse struct {
	Id            string    `json:"id"`
	Source        string    `json:"source"`
	Size          uint32    `json:"size"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
	ErrorProgress string    `json:"errorProgress,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func (a *Api) startError(w http.ResponseWriter, err error) {
	switch err {
	case secmgr.ErrInvalidArgument, imageload.ErrInvalidArgument:
		a.jsonError(w, err.Error(), http.StatusBadRequest)
	case updater.ErrBusy, imageload.ErrBusy:
		a.jsonError(w, "Device is busy", http.StatusConflict)
	default:
		a.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *Api) handlePostUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := a.session(w, r)
		if !ok {
			return
		}

		var update *updater.Update
		var err error

		if dev, ok := a.devices.SecMgr(s.Name()); ok {
			req := postUpdateRequest{}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				a.jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}

			update, err = dev.StartUpdate(req.Filename)
		} else if file, ok := a.devices.ImageLoad(s.Name()); ok {
			buf, readErr := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxImageSize))
			var tooLarge *http.MaxBytesError
			if errors.As(readErr, &tooLarge) {
				a.jsonError(w, readErr.Error(), http.StatusRequestEntityTooLarge)
				return
			} else if readErr != nil {
				a.jsonError(w, readErr.Error(), http.StatusBadRequest)
				return
			}

			update, err = file.Write(&imageload.ImageWrite{
				Buf:    buf,
				Notify: updater.NewChanNotifier(),
			})
		} else {
			a.jsonError(w, "Device does not accept updates", http.StatusMethodNotAllowed)
			return
		}

		if err != nil {
			a.startError(w, err)
			return
		}

		a.log.Infof("Started update %v of %v", update.Id, s.Name())

		a.jsonResponse(w, newUpdateResponse(update), http.StatusAccepted)
	}
}

func (a *Api) handleDeleteUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := a.session(w, r)
		if !ok {
			return
		}

		err := s.Cancel()
		if err == updater.ErrNoActiveUpdate {
			a.jsonError(w, err.Error(), http.StatusNotFound)
			return
		} else if err != nil {
			a.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		a.jsonResponse(w, newStatusResponse(s.Status()), http.StatusAccepted)
	}
}

func (a *Api) handleGetUpdates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		records, err := a.history.ListUpdates(name)
		if err != nil {
			a.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		res := []*historyResponse{}
		for _, record := range records {
			res = append(res, &historyResponse{
				Id:            record.Id,
				Source:        record.Source,
				Size:          record.Size,
				Started:       record.Started,
				Finished:      record.Finished,
				ErrorProgress: record.ErrorProgress,
				Error:         record.Error,
			})
		}

		a.jsonResponse(w, res, http.StatusOK)
	}
}

func (a *Api) handleGetEvents() http.HandlerFunc {
	upgrader := &websocket.Upgrader{}

	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := a.session(w, r)
		if !ok {
			return
		}

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			a.log.Errorf("Could not upgrade connection: %v", err)
			return
		}

		defer c.Close()

		client := s.Subscribe()

		defer func() {
			err := client.Cancel()
			if err != nil {
				a.log.Errorf("Could not close client: %v", err)
			}
		}()

		// the current state first, changes follow
		first := &updater.Event{Session: s.Name(), Status: *s.Status()}
		if err := a.writeEvent(c, first); err != nil {
			return
		}

		closed := make(chan struct{})

		// read pump
		go func() {
			defer close(closed)

			c.SetReadLimit(512)
			c.SetReadDeadline(time.Now().Add(pongWait))
			c.SetPongHandler(func(string) error {
				c.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})

			for {
				_, _, err := c.ReadMessage()
				if err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						a.log.Errorf("unexpected websocket closure: %v", err)
					}
					break
				}
			}
		}()

		// write pump
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-client.Events:
				if !ok {
					c.SetWriteDeadline(time.Now().Add(writeWait))
					c.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "device unregistered"))
					return
				}

				if err := a.writeEvent(c, event); err != nil {
					return
				}
			case <-ticker.C:
				c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}
}

func (a *Api) writeEvent(c *websocket.Conn, event *updater.Event) error {
	c.SetWriteDeadline(time.Now().Add(writeWait))

	return c.WriteJSON(&eventResponse{
		Device:         event.Session,
		statusResponse: *newStatusResponse(&event.Status),
	})
}
