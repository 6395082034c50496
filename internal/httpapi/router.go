// Package httpapi exposes mesh control over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/plejd-mesh/internal/ble"
	"github.com/chaz8081/plejd-mesh/internal/ble/protocol"
	"github.com/chaz8081/plejd-mesh/internal/dispatch"
	"github.com/chaz8081/plejd-mesh/internal/mesh"
)

// Controller is the part of mesh.Manager the API drives.
type Controller interface {
	Status() mesh.Status
	Devices() []mesh.DeviceState
	Buttons() []dispatch.ButtonState
	TurnOn(address uint8, dim protocol.Dim) error
	TurnOff(address uint8) error
	ActivateScene(index uint8) error
}

var _ Controller = (*mesh.Manager)(nil)

// Device is the JSON form of a device and its last known state.
type Device struct {
	Address    uint8  `json:"address"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Model      string `json:"model,omitempty"`
	Room       string `json:"room,omitempty"`
	Dimmable   bool   `json:"dimmable"`
	Known      bool   `json:"known"`
	On         bool   `json:"on"`
	Brightness *uint8 `json:"brightness,omitempty"`
}

// Button is the JSON form of the last action seen on a button.
type Button struct {
	Address uint8  `json:"address"`
	Button  uint8  `json:"button"`
	Action  string `json:"action"`
}

// SetStateRequest is the body of PUT /devices/{address}.
type SetStateRequest struct {
	On         bool `json:"on"`
	Brightness *int `json:"brightness,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the API routes. gatherer serves /metrics; nil uses the
// default gatherer.
func NewRouter(ctl Controller, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &handler{ctl: ctl}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", h.health)
	r.Get("/devices", h.listDevices)
	r.Put("/devices/{address}", h.setDevice)
	r.Get("/buttons", h.listButtons)
	r.Post("/scenes/{index}", h.activateScene)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("[HTTP] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type handler struct {
	ctl Controller
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	st := h.ctl.Status()
	code := http.StatusOK
	if st.State != ble.StateConnected.String() && st.State != ble.StateDegraded.String() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (h *handler) listDevices(w http.ResponseWriter, _ *http.Request) {
	states := h.ctl.Devices()
	out := make([]Device, 0, len(states))
	for _, ds := range states {
		d := Device{
			Address:  ds.Address,
			Name:     ds.Name,
			Kind:     ds.Kind,
			Model:    ds.Model,
			Room:     ds.Room,
			Dimmable: ds.Dimmable,
			Known:    ds.Known,
			On:       ds.On,
		}
		if ds.Known && ds.HasDim && ds.Dimmable {
			b := protocol.StateEvent{Dim: ds.Dim}.Brightness()
			d.Brightness = &b
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) listButtons(w http.ResponseWriter, _ *http.Request) {
	buttons := h.ctl.Buttons()
	out := make([]Button, 0, len(buttons))
	for _, b := range buttons {
		out = append(out, Button{Address: b.Address, Button: b.Button, Action: b.Action.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) setDevice(w http.ResponseWriter, r *http.Request) {
	address, err := parseUint8(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "address must be 0-255")
		return
	}

	var req SetStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !req.On {
		err = h.ctl.TurnOff(address)
	} else {
		dim := protocol.NoDim
		if req.Brightness != nil {
			if *req.Brightness < 0 || *req.Brightness > 255 {
				writeError(w, http.StatusBadRequest, "brightness must be 0-255")
				return
			}
			dim = protocol.DimLevel(uint8(*req.Brightness))
		}
		err = h.ctl.TurnOn(address, dim)
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) activateScene(w http.ResponseWriter, r *http.Request) {
	index, err := parseUint8(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be 0-255")
		return
	}
	if err := h.ctl.ActivateScene(index); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseUint8(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	return uint8(v), err
}

func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mesh.ErrUnknownDevice), errors.Is(err, mesh.ErrUnknownScene):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ble.ErrNotConnected), errors.Is(err, ble.ErrStopping):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("[HTTP] command failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[HTTP] encode response", "error", err)
	}
}
