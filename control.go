package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/common/log"
	"golang.org/x/net/html"

	"github.com/markuslindenberg/vrg_exporter/vrg"
)

var errControlsDisabled = errors.New("controls disabled, VRG not connected")

// controlHandler serves the status board and the command API.
type controlHandler struct {
	driver      *vrg.Driver
	board       *board
	metricsPath string
	mux         *http.ServeMux
}

func newControlHandler(driver *vrg.Driver, b *board, metricsPath string) *controlHandler {
	h := &controlHandler{driver: driver, board: b, metricsPath: metricsPath, mux: http.NewServeMux()}

	h.mux.HandleFunc("/", h.index)
	h.mux.HandleFunc("/api/status", get(h.status))

	h.mux.HandleFunc("/api/connect", post(h.connect))
	h.mux.HandleFunc("/api/disconnect", post(h.command(h.disconnect)))
	h.mux.HandleFunc("/api/ping", get(h.command(h.ping)))
	h.mux.HandleFunc("/api/info", get(h.command(h.info)))
	h.mux.HandleFunc("/api/power", post(h.command(h.power)))
	h.mux.HandleFunc("/api/frequency", post(h.command(h.frequency(driver.SetFrequency))))
	h.mux.HandleFunc("/api/frequency/min", post(h.command(h.frequency(driver.SetMinFrequency))))
	h.mux.HandleFunc("/api/frequency/max", post(h.command(h.frequency(driver.SetMaxFrequency))))
	h.mux.HandleFunc("/api/rf", post(h.command(h.toggle(driver.EnableRF, driver.DisableRF))))
	h.mux.HandleFunc("/api/echo", post(h.command(h.toggle(driver.EnableEcho, driver.DisableEcho))))
	h.mux.HandleFunc("/api/mode", post(h.command(h.mode)))
	h.mux.HandleFunc("/api/autotune", post(h.command(h.autotune)))

	return h
}

func (h *controlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type apiFunc func(r *http.Request) (interface{}, error)

func method(m string, fn apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			w.Header().Set("Allow", m)
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		v, err := fn(r)
		if err != nil {
			status := errorStatus(err)
			if status >= http.StatusInternalServerError {
				log.Errorln("Control request", r.URL.Path, "failed:", err)
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func get(fn apiFunc) http.HandlerFunc  { return method(http.MethodGet, fn) }
func post(fn apiFunc) http.HandlerFunc { return method(http.MethodPost, fn) }

// command gates fn on the connection state.
func (h *controlHandler) command(fn apiFunc) apiFunc {
	return func(r *http.Request) (interface{}, error) {
		if !h.driver.Connected() {
			return nil, errControlsDisabled
		}
		return fn(r)
	}
}

// badRequest marks malformed request bodies.
type badRequest struct{ err error }

func (e badRequest) Error() string { return "invalid request: " + e.err.Error() }

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest{err}
	}
	return nil
}

func errorStatus(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br), vrg.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, errControlsDisabled), errors.Is(err, vrg.ErrNotConnected):
		return http.StatusServiceUnavailable
	}
	var ce *vrg.ConnectionError
	if errors.As(err, &ce) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

type apiError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugln("Failed to write response:", err)
	}
}

type stateResponse struct {
	State string `json:"state"`
}

func (h *controlHandler) state() stateResponse {
	return stateResponse{State: h.driver.State().String()}
}

func (h *controlHandler) status(*http.Request) (interface{}, error) {
	return h.board.Latest(), nil
}

func (h *controlHandler) connect(*http.Request) (interface{}, error) {
	if err := h.driver.Connect(); err != nil {
		return nil, err
	}
	return h.state(), nil
}

func (h *controlHandler) disconnect(*http.Request) (interface{}, error) {
	if err := h.driver.Disconnect(); err != nil {
		log.Warnln("Error closing VRG connection:", err)
	}
	return h.state(), nil
}

func (h *controlHandler) ping(*http.Request) (interface{}, error) {
	resp, err := h.driver.Ping()
	if err != nil {
		return nil, err
	}
	return struct {
		Response string `json:"response"`
	}{resp}, nil
}

type infoResponse struct {
	Raw            string   `json:"raw"`
	SerialNumber   string   `json:"serial_number,omitempty"`
	Reboots        int      `json:"reboots"`
	OperatingHours int      `json:"operating_hours"`
	EnabledHours   int      `json:"enabled_hours"`
	Reserved       []string `json:"reserved,omitempty"`
}

func (h *controlHandler) info(*http.Request) (interface{}, error) {
	raw, err := h.driver.FactoryInfo()
	if err != nil {
		return nil, err
	}
	resp := infoResponse{Raw: raw}
	if fi, err := vrg.ParseFactoryInfo(raw); err == nil {
		resp.SerialNumber = fi.SerialNumber
		resp.Reboots = fi.Reboots
		resp.OperatingHours = fi.OperatingHours
		resp.EnabledHours = fi.EnabledHours
		resp.Reserved = fi.Reserved
	} else {
		log.Warnln("Unparseable factory info:", err)
	}
	return resp, nil
}

type powerRequest struct {
	Watts *int `json:"watts"`
}

func (h *controlHandler) power(r *http.Request) (interface{}, error) {
	var req powerRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.Watts == nil {
		return nil, badRequest{errors.New("missing watts")}
	}
	if err := h.driver.SetPower(*req.Watts); err != nil {
		return nil, err
	}
	return struct {
		Watts int `json:"watts"`
	}{*req.Watts}, nil
}

type frequencyRequest struct {
	MHz *float64 `json:"mhz"`
}

func (h *controlHandler) frequency(set func(float64) error) apiFunc {
	return func(r *http.Request) (interface{}, error) {
		var req frequencyRequest
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		if req.MHz == nil {
			return nil, badRequest{errors.New("missing mhz")}
		}
		if err := set(*req.MHz); err != nil {
			return nil, err
		}
		min, max := h.driver.AllowedWindow()
		return struct {
			MHz float64 `json:"mhz"`
			Min float64 `json:"allowed_min_mhz"`
			Max float64 `json:"allowed_max_mhz"`
		}{*req.MHz, min, max}, nil
	}
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *controlHandler) toggle(enable, disable func() error) apiFunc {
	return func(r *http.Request) (interface{}, error) {
		var req toggleRequest
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		if req.Enabled == nil {
			return nil, badRequest{errors.New("missing enabled")}
		}
		op := disable
		if *req.Enabled {
			op = enable
		}
		if err := op(); err != nil {
			return nil, err
		}
		return struct {
			Enabled bool `json:"enabled"`
		}{*req.Enabled}, nil
	}
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (h *controlHandler) mode(r *http.Request) (interface{}, error) {
	var req modeRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	var err error
	switch req.Mode {
	case "forward":
		err = h.driver.SetForwardMode()
	case "absorbed":
		err = h.driver.SetAbsorbedMode()
	default:
		return nil, badRequest{fmt.Errorf("unknown mode %q, must be forward or absorbed", req.Mode)}
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

type autotuneRequest struct {
	Narrow bool `json:"narrow"`
}

func (h *controlHandler) autotune(r *http.Request) (interface{}, error) {
	var req autotuneRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			return nil, err
		}
	}
	tune := h.driver.Autotune
	if req.Narrow {
		tune = h.driver.NarrowAutotune
	}
	if err := tune(); err != nil {
		return nil, err
	}
	return req, nil
}

func (h *controlHandler) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	reading := h.board.Latest()
	controls := "enabled"
	if !h.driver.Connected() {
		controls = "disabled"
	}
	port := h.driver.Port()
	if port == "" {
		port = noDevice
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<html>
             <head><title>VRG Exporter</title></head>
             <body>
             <h1>VRG Exporter</h1>
             <p>Port: ` + html.EscapeString(port) + ` (` + html.EscapeString(reading.State) + `, controls ` + controls + `)</p>
             <p>Forward ` + fmt.Sprint(reading.ForwardPower) + ` W, reflected ` + fmt.Sprint(reading.ReflectedPower) + ` W, ` +
		fmt.Sprintf("%.3f", reading.Frequency) + ` MHz</p>
             <p><a href='` + html.EscapeString(h.metricsPath) + `'>Metrics</a></p>
             <p><a href='/api/status'>Status</a></p>
             </body>
             </html>`))
}
