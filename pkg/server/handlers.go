package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/epochledger/pkg/api"
	"github.com/Mindburn-Labs/epochledger/pkg/auth"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/epoch"
	"github.com/Mindburn-Labs/epochledger/pkg/store"
)

type openEpochRequest struct {
	NodeID      string                  `json:"node_id"`
	ScopeID     string                  `json:"scope_id"`
	PeriodStart time.Time               `json:"period_start"`
	PeriodEnd   time.Time               `json:"period_end"`
	Weights     *contracts.WeightConfig `json:"weights,omitempty"`
}

func (s *Server) handleListEpochs(w http.ResponseWriter, r *http.Request) {
	epochs, err := s.registry.List(r.Context(), r.URL.Query().Get("node"), r.PathValue("scope"))
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"epochs": epochs})
}

func (s *Server) handleOpenEpoch(w http.ResponseWriter, r *http.Request) {
	var req openEpochRequest
	if !decode(w, r, &req) {
		return
	}
	weights := req.Weights
	if weights == nil {
		weights = s.weights
	}
	if weights == nil {
		api.WriteBadRequest(w, "weights are required: no default weight table is configured")
		return
	}
	ep, err := s.registry.OpenEpoch(r.Context(), epoch.OpenRequest{
		NodeID:      req.NodeID,
		ScopeID:     req.ScopeID,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		Weights:     *weights,
	})
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "epoch opened via api", "epoch_id", ep.EpochID, "actor", auth.ActorID(r.Context()))
	api.WriteJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	rep, err := s.orch.RunCollectionCycle(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rep)
}

func (s *Server) handleCloseIngestion(w http.ResponseWriter, r *http.Request) {
	ep, err := s.registry.CloseIngestion(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "ingestion closed via api", "epoch_id", ep.EpochID, "actor", auth.ActorID(r.Context()))
	api.WriteJSON(w, http.StatusOK, ep)
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	ep, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	allocs, err := s.store.Epochs.ListAllocations(r.Context(), ep.EpochID)
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"epoch_id": ep.EpochID, "status": ep.Status, "allocations": allocs})
}

func (s *Server) handleSignRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.orch.PrepareFinalize(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, req)
}

type poolComponentRequest struct {
	ComponentID   string           `json:"component_id"`
	AmountCredits contracts.BigInt `json:"amount_credits"`
}

func (s *Server) handlePoolComponent(w http.ResponseWriter, r *http.Request) {
	var req poolComponentRequest
	if !decode(w, r, &req) {
		return
	}
	req.ComponentID = strings.TrimSpace(req.ComponentID)
	if req.ComponentID == "" || !req.AmountCredits.IsSet() {
		api.WriteBadRequest(w, "component_id and amount_credits are required")
		return
	}
	id := r.PathValue("id")
	if err := s.orch.RecordPoolComponent(r.Context(), id, req.ComponentID, req.AmountCredits); err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, contracts.PoolComponent{
		EpochID:       id,
		ComponentID:   req.ComponentID,
		AmountCredits: req.AmountCredits,
	})
}

type signatureRequest struct {
	Signature string `json:"signature"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Signature == "" {
		api.WriteBadRequest(w, "signature is required")
		return
	}
	stmt, err := s.orch.RunFinalize(r.Context(), r.PathValue("id"), req.Signature)
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stmt)
}

func (s *Server) handleStatement(w http.ResponseWriter, r *http.Request) {
	stmt, err := s.orch.Statement(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stmt)
}

func (s *Server) handleStatements(w http.ResponseWriter, r *http.Request) {
	chain, err := s.store.Epochs.ListStatements(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"statements": chain})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	v, err := s.orch.VerifyStatement(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, v)
}

type correctionRequest struct {
	Allocations []contracts.Allocation `json:"allocations"`
	Signature   string                 `json:"signature,omitempty"`
}

func (s *Server) handleCorrectionSignRequest(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if !decode(w, r, &req) {
		return
	}
	sr, err := s.orch.PrepareCorrection(r.Context(), r.PathValue("id"), req.Allocations)
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sr)
}

func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Signature == "" {
		api.WriteBadRequest(w, "signature is required")
		return
	}
	stmt, err := s.orch.RunCorrection(r.Context(), r.PathValue("id"), req.Allocations, req.Signature)
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, stmt)
}

type ingestRequest struct {
	Events []contracts.ActivityEvent `json:"events"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.store.Events.Ingest(r.Context(), req.Events)
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	s.obs.RecordIngest(r.Context(), "api", res)
	api.WriteJSON(w, http.StatusOK, res)
}

type curationRequest struct {
	Included       *bool  `json:"included,omitempty"`
	Reason         string `json:"reason,omitempty"`
	WeightOverride *int64 `json:"weight_override,omitempty"`
	ClearOverride  bool   `json:"clear_override,omitempty"`
	UserID         string `json:"user_id,omitempty"`

	// CorrectIdentity replaces an already resolved identity instead of failing.
	CorrectIdentity bool `json:"correct_identity,omitempty"`
}

func (s *Server) handleCuration(w http.ResponseWriter, r *http.Request) {
	var req curationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Included == nil && req.WeightOverride == nil && !req.ClearOverride && req.UserID == "" {
		api.WriteBadRequest(w, "nothing to change: set included, weight_override, clear_override or user_id")
		return
	}
	if req.WeightOverride != nil && req.ClearOverride {
		api.WriteBadRequest(w, "weight_override and clear_override are mutually exclusive")
		return
	}

	ctx := r.Context()
	ref := contracts.EventRef{Source: r.PathValue("source"), EventID: r.PathValue("eventId")}
	c, err := s.store.Curation.Apply(ctx, ref, store.CurationChange{
		UserID:          req.UserID,
		CorrectIdentity: req.CorrectIdentity,
		Included:        req.Included,
		Reason:          req.Reason,
		WeightOverride:  req.WeightOverride,
		ClearOverride:   req.ClearOverride,
	}, auth.ActorID(ctx))
	if err != nil {
		api.WriteLedgerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}
