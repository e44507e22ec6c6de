package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/auth"
	"github.com/lorawan-server/lorawan-sim/internal/gateway"
	"github.com/lorawan-server/lorawan-sim/internal/simtime"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "LoRaWAN radio simulator",
		"health":  "/api/v1/health",
		"clock":   "/api/v1/clock",
		"gateway": "/api/v1/gateway",
		"login":   "/api/v1/login",
		"metrics": "/metrics",
	})
}

// HandleLogin exchanges operator credentials for a bearer token
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, expires, err := s.auth.Login(req.Operator, req.Password)
	switch {
	case errors.Is(err, auth.ErrDisabled):
		s.respondError(w, http.StatusNotImplemented, "authentication is disabled")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		log.Warn().Str("operator", req.Operator).Msg("login failed")
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_at":   expires,
		"expires_in":   int(time.Until(expires).Seconds()),
		"token_type":   "Bearer",
	})
}

type clockResponse struct {
	Mode           string `json:"mode"`
	Running        bool   `json:"running"`
	Tick           uint64 `json:"tick"`
	TicksPerSecond uint64 `json:"ticks_per_second"`
	Elapsed        string `json:"elapsed"`
	Pending        int    `json:"pending"`
}

func (s *RESTServer) clockResponse() clockResponse {
	c := s.deps.Clock
	now := c.Now()
	return clockResponse{
		Mode:           c.Mode().String(),
		Running:        c.Running(),
		Tick:           now,
		TicksPerSecond: c.TicksPerSecond(),
		Elapsed:        c.Duration(now).String(),
		Pending:        c.Pending(),
	}
}

// HandleGetClock returns the virtual clock state
func (s *RESTServer) HandleGetClock(w http.ResponseWriter, r *http.Request) {
	if s.deps.Clock == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no clock")
		return
	}
	s.respondJSON(w, http.StatusOK, s.clockResponse())
}

// HandleAdvanceClock moves a manual clock forward, firing due timers
func (s *RESTServer) HandleAdvanceClock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticks    uint64 `json:"ticks"`
		Duration string `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c := s.deps.Clock
	if c == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no clock")
		return
	}
	if c.Mode() != simtime.Manual {
		s.respondError(w, http.StatusConflict, "clock is not in manual mode")
		return
	}

	ticks := req.Ticks
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		ticks += c.Ticks(d)
	}
	if ticks == 0 {
		s.respondError(w, http.StatusBadRequest, "ticks or duration is required")
		return
	}

	if err := c.Advance(ticks); err != nil {
		if errors.Is(err, simtime.ErrNotRunning) {
			s.respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Uint64("ticks", ticks).Uint64("tick", c.Now()).Msg("clock advanced")
	s.respondJSON(w, http.StatusOK, s.clockResponse())
}

// HandleGetGateway returns the gateway session state
func (s *RESTServer) HandleGetGateway(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil {
		s.respondError(w, http.StatusNotFound, "no gateway configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Gateway.Status())
}

// HandlePublishUplink puts a packet on the gateway uplink topic as if the
// gateway had heard it
func (s *RESTServer) HandlePublishUplink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceEUI  string  `json:"eui"`
		Data       []byte  `json:"data"`
		Text       string  `json:"text"`
		Freq       uint32  `json:"freq"`
		SF         uint8   `json:"sf" validate:"min=6,max=12"`
		BW         uint32  `json:"bw" validate:"oneof=125000 250000 500000"`
		CodingRate string  `json:"codr"`
		RSSI       int16   `json:"rssi"`
		LSNR       float64 `json:"lsnr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.deps.Gateway == nil || s.deps.Broker == nil {
		s.respondError(w, http.StatusNotFound, "no gateway configured")
		return
	}

	up := gateway.Uplink{
		Data: req.Data,
		Freq: req.Freq,
		SF:   req.SF,
		BW:   req.BW,
		RSSI: req.RSSI,
		LSNR: req.LSNR,
	}
	if req.Text != "" {
		up.Data = []byte(req.Text)
	}
	if req.DeviceEUI != "" {
		eui, err := lorawan.ParseEUI64(req.DeviceEUI)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		up.DeviceEUI = eui
	}
	if req.CodingRate != "" {
		cr, err := lorawan.ParseCodingRate(req.CodingRate)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		up.CR = cr
	}

	topic := gateway.UplinkTopic(s.deps.Gateway.EUI())
	if err := s.deps.Broker.Publish(topic, up); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"topic": topic,
		"size":  len(up.Data),
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
