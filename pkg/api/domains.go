package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type addCustomDomainRequest struct {
	Domain string `json:"domain"`
	Port   int    `json:"port"`
}

func (s *Server) handleAddCustomDomain(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.loadOwnedVm(w, r)
	if !ok {
		return
	}

	var req addCustomDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	dom, err := s.ingress.AddCustomDomain(vm.ID, req.Domain, req.Port)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusCreated, dom)
}

func (s *Server) handleVerifyCustomDomain(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadOwnedVm(w, r); !ok {
		return
	}
	dom, err := s.ingress.VerifyDns(chi.URLParam(r, "domainId"))
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, dom)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.loadOwnedVm(w, r)
	if !ok {
		return
	}
	routes, err := s.store.ListRoutesByVm(vm.ID)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, routes)
}
