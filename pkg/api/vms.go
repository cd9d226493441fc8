package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/orcherr"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createVmRequest struct {
	Name       string         `json:"name"`
	Spec       types.VmSpec   `json:"spec"`
	TemplateID string         `json:"templateId,omitempty"`
	RegionHint string         `json:"regionHint,omitempty"`
	ZoneHint   string         `json:"zoneHint,omitempty"`
}

func (s *Server) handleCreateVm(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req createVmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Name == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	if _, ok := s.cfg.Tiers[req.Spec.Tier]; !ok {
		RespondError(w, http.StatusBadRequest, "bad_request", "unknown quality tier")
		return
	}

	vm := &types.VirtualMachine{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Owner:     userID,
		Status:    types.VmPending,
		Spec:      req.Spec,
		CreatedAt: time.Now(),
	}
	if req.RegionHint != "" || req.ZoneHint != "" {
		vm.Labels = map[string]string{"regionHint": req.RegionHint, "zoneHint": req.ZoneHint}
	}

	if err := s.store.CreateVm(vm); err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusAccepted, vm)
}

func (s *Server) handleListVms(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	vms, err := s.store.ListVmsByOwner(userID)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, vms)
}

func (s *Server) loadOwnedVm(w http.ResponseWriter, r *http.Request) (*types.VirtualMachine, bool) {
	vm, err := s.store.GetVm(chi.URLParam(r, "id"))
	if err != nil {
		RespondErr(w, err)
		return nil, false
	}
	if vm.Owner != UserIDFromContext(r.Context()) {
		RespondErr(w, orcherr.New(orcherr.KindSecurityFailure, "vm belongs to a different user"))
		return nil, false
	}
	return vm, true
}

func (s *Server) handleGetVm(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.loadOwnedVm(w, r)
	if !ok {
		return
	}
	Respond(w, http.StatusOK, vm)
}

func (s *Server) handleStopVm(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.loadOwnedVm(w, r)
	if !ok {
		return
	}
	if ok := s.lifecycle.Transition(vm.ID, types.VmStopping, lifecycle.TransitionContext{
		Trigger: lifecycle.TriggerManual, Message: "stop requested via api",
	}); !ok {
		RespondErr(w, orcherr.New(orcherr.KindInvalidTransition, "vm cannot be stopped from its current state"))
		return
	}
	Respond(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleDeleteVm(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.loadOwnedVm(w, r)
	if !ok {
		return
	}
	if ok := s.lifecycle.Transition(vm.ID, types.VmDeleting, lifecycle.TransitionContext{
		Trigger: lifecycle.TriggerManual, Message: "delete requested via api",
	}); !ok {
		RespondErr(w, orcherr.New(orcherr.KindInvalidTransition, "vm cannot be deleted from its current state"))
		return
	}
	Respond(w, http.StatusAccepted, map[string]string{"status": "deleting"})
}
