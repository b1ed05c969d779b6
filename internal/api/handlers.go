package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"fleetsync/internal/deploy"
	"fleetsync/internal/model"
)

type batchRequest struct {
	ClientID   string   `json:"clientId"`
	VehicleIDs []string `json:"vehicleIds"`
}

type batchResponse struct {
	ItineraryID string                 `json:"itineraryId"`
	Action      model.DeploymentAction `json:"action"`
	Results     []deploy.VehicleResult `json:"results"`
}

// EmbarkHandler handles POST /v1/itineraries/{id}/embark
func (s *Server) EmbarkHandler(w http.ResponseWriter, r *http.Request) {
	s.batch(w, r, model.ActionEmbark)
}

// DisembarkHandler handles POST /v1/itineraries/{id}/disembark
func (s *Server) DisembarkHandler(w http.ResponseWriter, r *http.Request) {
	s.batch(w, r, model.ActionDisembark)
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request, action model.DeploymentAction) {
	itineraryID := r.PathValue("id")
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.ClientID == "" || len(req.VehicleIDs) == 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "clientId and vehicleIds are required", r.URL.Path)
		return
	}
	run := s.Deployer.EmbarkItinerary
	if action == model.ActionDisembark {
		run = s.Deployer.DisembarkItinerary
	}
	results, err := run(r.Context(), req.ClientID, itineraryID, req.VehicleIDs)
	if err != nil {
		writeError(w, r, "Deployment rejected", err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{ItineraryID: itineraryID, Action: action, Results: results})
}

// DeploymentByIDHandler handles GET /v1/deployments/{id}
func (s *Server) DeploymentByIDHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.Deployer.GetDeployment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, "Get deployment failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeploymentsHandler handles GET /v1/deployments
func (s *Server) DeploymentsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.DeploymentFilter{
		ClientID:    q.Get("clientId"),
		ItineraryID: q.Get("itineraryId"),
		VehicleID:   q.Get("vehicleId"),
		Status:      model.DeploymentStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", v, r.URL.Path)
			return
		}
		f.Limit = n
	}
	items, err := s.Deployer.ListDeployments(r.Context(), f)
	if err != nil {
		writeError(w, r, "List deployments failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
