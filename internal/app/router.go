package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/enterprise/aegis-trust/internal/analysis"
	"github.com/enterprise/aegis-trust/internal/attestation"
	"github.com/enterprise/aegis-trust/internal/events"
	"github.com/enterprise/aegis-trust/internal/policy"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// AttestRequest is the body of POST /api/v1/attest. Report is the
// analysis of the biometric capture that accompanied the token, if any.
type AttestRequest struct {
	Platform string                `json:"platform"`
	Token    string                `json:"integrity_token"`
	Nonce    string                `json:"nonce,omitempty"`
	Report   *types.AnalysisReport `json:"report,omitempty"`
}

// AttestResponse reports the verdict and the role derived from it
type AttestResponse struct {
	Role          types.OperatorRole `json:"role"`
	Integrity     bool               `json:"integrity"`
	Biometric     bool               `json:"biometric"`
	DeviceTrusted bool               `json:"device_trusted"`
	AppTrusted    bool               `json:"app_trusted"`
	Tier          types.TrustTier    `json:"tier"`
}

// SensorResponse describes one sensor modality
type SensorResponse struct {
	Modality  types.SensorModality `json:"modality"`
	Supported bool                 `json:"supported"`
	Tier      types.TrustTier      `json:"tier"`
	State     string               `json:"state"`
	Native    bool                 `json:"native"`
}

func (a *Application) newRouter() http.Handler {
	router := mux.NewRouter()
	router.Use(a.metrics.instrument)

	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)

	if a.config.Metrics.Enabled {
		path := a.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	if a.identity != nil {
		api.Use(a.identity.Middleware)
	}

	api.HandleFunc("/attest/challenge", a.handleChallenge).Methods(http.MethodPost)
	api.HandleFunc("/attest", a.handleAttest).Methods(http.MethodPost)
	api.HandleFunc("/sensors", a.handleListSensors).Methods(http.MethodGet)
	api.HandleFunc("/sensors/{modality}", a.handleGetSensor).Methods(http.MethodGet)
	api.HandleFunc("/sensors/{modality}/token", a.handleSensorToken).Methods(http.MethodPost)

	if a.analysis != nil {
		api.HandleFunc("/analyze", a.handleAnalyze).Methods(http.MethodPost)
	}

	api.PathPrefix("/objects").Handler(NewObjectsHandler(a.enclave, a.gate, a.logger).Engine("/api/v1/objects"))

	return router
}

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

func (a *Application) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.running.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleChallenge issues a single-use nonce for the client to bind into its
// next integrity token.
func (a *Application) handleChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := a.challenges.Issue(r.Context())
	if err != nil {
		a.logger.WithError(err).Error("Failed to issue attestation challenge")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to issue challenge")
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

// handleAttest verifies a platform integrity token and derives the caller's
// role. An indeterminate verdict is never downgraded to a role; the client
// gets 503 and may retry with the same token and nonce. The challenge is
// redeemed only once a verdict exists.
func (a *Application) handleAttest(w http.ResponseWriter, r *http.Request) {
	var req AttestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if req.Report != nil {
		if err := analysis.Validate(req.Report); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_report", err.Error())
			return
		}
	}

	required := a.config.Attestation.Challenge.Required
	if required && req.Nonce == "" {
		writeError(w, http.StatusBadRequest, "invalid_challenge", "A server-issued nonce is required")
		return
	}

	verdict, err := a.attestation.Verify(r.Context(), &attestation.Request{
		Platform: attestation.Platform(req.Platform),
		Token:    req.Token,
		Nonce:    req.Nonce,
	})
	switch {
	case errors.Is(err, attestation.ErrVerdictUnknown):
		a.publish(r, events.New(events.TypeAttestationUnknown, events.SeverityWarn, a.config.Events.Source, req.Platform).
			With("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "verdict_unknown", "Attestation verdict could not be obtained")
		return
	case errors.Is(err, attestation.ErrInvalidRequest), errors.Is(err, attestation.ErrUnsupportedPlatform):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		a.logger.WithError(err).Error("Attestation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Attestation failed")
		return
	}

	if required {
		if err := a.challenges.Consume(r.Context(), req.Nonce); err != nil {
			a.logger.WithError(err).WithField("platform", req.Platform).Warn("Attestation challenge rejected")
			if errors.Is(err, attestation.ErrInvalidChallenge) {
				a.publish(r, events.New(events.TypeAttestationReplay, events.SeverityWarn, a.config.Events.Source, req.Platform).
					With("error", err.Error()))
				writeError(w, http.StatusBadRequest, "invalid_challenge", "Nonce is unknown, expired or already used")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "Attestation failed")
			return
		}
	}

	input := policy.RoleInput{
		DeviceTrusted: verdict.DeviceTrusted,
		AppTrusted:    verdict.AppTrusted,
		Tier:          types.TierHeuristic,
	}
	if req.Report != nil {
		input.Biometric = req.Report.Decision == types.DecisionVerified &&
			req.Report.OverallConfidence >= a.config.Roles.MinBiometricConfidence
		// the claimed tier never exceeds what this host can attest for the modality
		input.Tier = req.Report.TrustTier.Cap(a.hal.GetAttestationTier(req.Report.PrimaryDomain().Modality()))
	}

	// a failed derivation already yields USER
	role, _ := a.roles.Derive(r.Context(), input)

	a.publish(r, events.New(events.TypeAttestationVerified, events.SeverityInfo, a.config.Events.Source, string(verdict.Platform)).
		With("role", role).
		With("device_trusted", verdict.DeviceTrusted).
		With("app_trusted", verdict.AppTrusted).
		With("biometric", input.Biometric).
		With("tier", input.Tier))

	writeJSON(w, http.StatusOK, AttestResponse{
		Role:          role,
		Integrity:     verdict.Integrity(),
		Biometric:     input.Biometric,
		DeviceTrusted: verdict.DeviceTrusted,
		AppTrusted:    verdict.AppTrusted,
		Tier:          input.Tier,
	})
}

func (a *Application) handleListSensors(w http.ResponseWriter, r *http.Request) {
	sensors := make([]SensorResponse, 0, len(types.Modalities))
	for _, m := range types.Modalities {
		sensors = append(sensors, a.sensor(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sensors": sensors})
}

func (a *Application) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	modality, err := types.ParseModality(mux.Vars(r)["modality"])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_modality", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.sensor(modality))
}

func (a *Application) handleSensorToken(w http.ResponseWriter, r *http.Request) {
	modality, err := types.ParseModality(mux.Vars(r)["modality"])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_modality", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"modality": modality,
		"tier":     a.hal.GetAttestationTier(modality),
		"token":    a.hal.GenerateAttestationToken(modality),
	})
}

func (a *Application) sensor(m types.SensorModality) SensorResponse {
	return SensorResponse{
		Modality:  m,
		Supported: a.hal.CheckHardwareSupport(m),
		Tier:      a.hal.GetAttestationTier(m),
		State:     string(a.hal.State(m)),
		Native:    a.hal.IsNative(),
	}
}

func (a *Application) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analysis.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	report, err := a.analysis.Analyze(r.Context(), &req)
	switch {
	case errors.Is(err, analysis.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, "provider_unavailable", err.Error())
		return
	case errors.Is(err, analysis.ErrInvalidReport):
		writeError(w, http.StatusUnprocessableEntity, "invalid_report", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (a *Application) publish(r *http.Request, event *events.Event) {
	if err := a.publisher.Publish(r.Context(), event); err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": event.Type,
			"subject":    event.Subject,
		}).Warn("Failed to publish audit event")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message, Code: status})
}
