package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/decloud/orchestrator/pkg/delivery"
	"github.com/decloud/orchestrator/pkg/orcherr"
	"github.com/decloud/orchestrator/pkg/registry"
	"github.com/decloud/orchestrator/pkg/security"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/go-chi/chi/v5"
)

// nodeToken pulls a bearer token off the request and validates it
// against the node registry, additionally requiring it belong to the
// node named by the {id} path parameter.
func (s *Server) nodeToken(r *http.Request) (*types.Node, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, orcherr.New(orcherr.KindSecurityFailure, "missing bearer token")
	}
	node, err := s.registry.ValidateToken(raw)
	if err != nil {
		return nil, err
	}
	if id := chi.URLParam(r, "id"); id != "" && id != node.ID {
		return nil, orcherr.New(orcherr.KindSecurityFailure, "token does not belong to this node")
	}
	return node, nil
}

type registerNodeRequest struct {
	WalletAddress   string                  `json:"walletAddress"`
	Name            string                  `json:"name"`
	PublicIP        string                  `json:"publicIp"`
	AgentPort       int                     `json:"agentPort"`
	Resources       types.HardwareInventory `json:"resources"`
	AgentVersion    string                  `json:"agentVersion"`
	SupportedImages []string                `json:"supportedImages"`
	Region          string                  `json:"region"`
	Zone            string                  `json:"zone"`
	MachineID       string                  `json:"machineId"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	result, err := s.registry.Register(registry.RegisterInput{
		WalletAddress:   req.WalletAddress,
		Name:            req.Name,
		PublicIP:        req.PublicIP,
		AgentPort:       req.AgentPort,
		Resources:       req.Resources,
		AgentVersion:    req.AgentVersion,
		SupportedImages: req.SupportedImages,
		Region:          req.Region,
		Zone:            req.Zone,
		MachineID:       req.MachineID,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}

	Respond(w, http.StatusOK, map[string]any{
		"nodeId":            result.NodeID,
		"token":             result.Token,
		"heartbeatInterval": result.HeartbeatInterval.Seconds(),
	})
}

type heartbeatRequest struct {
	Metrics            types.NodeHeartbeatMetrics `json:"metrics"`
	AvailableResources types.ResourceCounters     `json:"availableResources"`
	ActiveVms          []registry.ReportedVm      `json:"activeVms"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	node, err := s.nodeToken(r)
	if err != nil {
		RespondErr(w, err)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	result, err := s.registry.Heartbeat(registry.HeartbeatInput{
		NodeID:             node.ID,
		TokenHash:          security.HashToken(bearerToken(r)),
		Metrics:            req.Metrics,
		AvailableResources: req.AvailableResources,
		ActiveVms:          req.ActiveVms,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}

	Respond(w, http.StatusOK, map[string]any{
		"ok":                result.Ok,
		"commands":          result.Commands,
		"tokenExpiringSoon": result.TokenExpiringSoon,
	})
}

type ackRequest struct {
	CommandID  string `json:"commandId"`
	Status     string `json:"status"`
	ResultJSON string `json:"resultJson"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	node, err := s.nodeToken(r)
	if err != nil {
		RespondErr(w, err)
		return
	}

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	if err := s.delivery.Ack(delivery.AckInput{
		NodeID:     node.ID,
		CommandID:  req.CommandID,
		Status:     req.Status,
		ResultJSON: req.ResultJSON,
	}); err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

type dhtReadyRequest struct {
	NodeID string `json:"nodeId"`
	VmID   string `json:"vmId"`
	PeerID string `json:"peerId"`
}

func (s *Server) handleDhtReady(w http.ResponseWriter, r *http.Request) {
	var req dhtReadyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	mac := r.Header.Get("X-DHT-Token")
	if err := s.obligations.VerifyDhtReady(req.NodeID, req.VmID, req.PeerID, mac); err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

type relayReadyRequest struct {
	NodeID    string `json:"nodeId"`
	RelayVmID string `json:"relayVmId"`
}

func (s *Server) handleRelayReady(w http.ResponseWriter, r *http.Request) {
	var req relayReadyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	mac := r.Header.Get("X-Relay-Token")
	if err := s.relay.VerifyRelayReady(req.NodeID, req.RelayVmID, mac); err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func bearerToken(r *http.Request) string {
	raw, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return raw
}
