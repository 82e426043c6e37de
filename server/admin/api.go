// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-chi/chi/v5"
	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/server/db"
	"qcbridge.org/qcbridge/server/registry"
	"qcbridge.org/qcbridge/server/watchdog"
)

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter with Content-Type application/json.
func (s *Server) writeJSON(w http.ResponseWriter, thing interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		s.log.Errorf("JSON encode error: %v", err)
	}
}

// writeError writes the error's text as a JSON body with the given status.
func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintf(w, "{\n    \"error\": %q\n}\n", err.Error())
}

// errCode maps domain errors to http status codes. Authorization failures
// become 403, missing objects 404 and everything else 400. Internal faults
// use 500 directly at the call site.
func errCode(err error) int {
	switch {
	case errors.Is(err, bridge.UnauthorizedError):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrUnknownCustodian),
		errors.Is(err, registry.ErrUnknownBinding),
		errors.Is(err, watchdog.ErrUnknownProposal),
		errors.Is(err, db.ErrKeyNotFound):
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// decodeRequest decodes a JSON request body.
func decodeRequest(r *http.Request, thing interface{}) error {
	return json.NewDecoder(r.Body).Decode(thing)
}

// urlID decodes the hex "id" URL parameter into a 32-byte id.
func urlID(r *http.Request) ([32]byte, error) {
	var id [32]byte
	b, err := hex.DecodeString(chi.URLParam(r, "id"))
	if err != nil {
		return id, fmt.Errorf("malformed id: %w", err)
	}
	if len(b) != 32 {
		return id, fmt.Errorf("id must be 32 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// parseStatus translates a status name into a registry.Status.
func parseStatus(name string) (registry.Status, error) {
	switch name {
	case "active":
		return registry.Active, nil
	case "under-review":
		return registry.UnderReview, nil
	case "terminated":
		return registry.Terminated, nil
	}
	return registry.Unregistered, fmt.Errorf("unknown status %q", name)
}

// parseProposalType translates a proposal type name into a
// watchdog.ProposalType.
func parseProposalType(name string) (watchdog.ProposalType, error) {
	switch name {
	case "status-change":
		return watchdog.StatusChange, nil
	case "redemption-default":
		return watchdog.RedemptionDefault, nil
	case "force-intervention":
		return watchdog.ForceIntervention, nil
	case "parameter-change":
		return watchdog.ParameterChange, nil
	}
	return 0, fmt.Errorf("unknown proposal type %q", name)
}

// apiPing is the handler for the '/ping' request.
func (s *Server) apiPing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"pong": time.Now().UTC().Format(time.RFC3339)})
}

// apiRegisterCustodian registers a custodian with a minting cap.
func (s *Server) apiRegisterCustodian(w http.ResponseWriter, r *http.Request) {
	var req registerCustodianReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.RegisterCustodian(actor(r), req.ID, req.MaxCap); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: req.ID})
}

// apiCustodian reports a custodian's status, wallets and reserve position.
func (s *Server) apiCustodian(w http.ResponseWriter, r *http.Request) {
	custodianID := chi.URLParam(r, "id")
	qc, err := s.core.Registry().Custodian(custodianID)
	if err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	res := &custodianResult{
		ID:      qc.ID,
		Status:  qc.Status.String(),
		Wallets: qc.Wallets,
	}
	reserves := s.core.Reserves()
	if res.Minted, err = reserves.MintedAmount(custodianID); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	if res.Available, err = reserves.AvailableCapacity(custodianID); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	if att, err := reserves.CurrentAttestation(custodianID); err == nil {
		res.Attested = att.Balance
		res.AttestStamp = att.StampMS
	}
	if res.Stale, err = reserves.IsStale(custodianID, time.Now()); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, res)
}

// apiSetStatus moves a custodian between Active and UnderReview.
func (s *Server) apiSetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	status, err := parseStatus(req.Status)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	custodianID := chi.URLParam(r, "id")
	if err := s.core.Registry().SetStatus(actor(r), custodianID, status, req.Reason); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: custodianID})
}

// apiSubmitAttestation records a reserve attestation.
func (s *Server) apiSubmitAttestation(w http.ResponseWriter, r *http.Request) {
	var req attestationReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.SubmitAttestation(actor(r), req.CustodianID, req.Balance, req.StampMS); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: req.CustodianID})
}

// apiMint authorizes a mint against attested reserves.
func (s *Server) apiMint(w http.ResponseWriter, r *http.Request) {
	var req mintReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.Mint(actor(r), req.CustodianID, req.Amount); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: req.CustodianID})
}

// apiRequestBinding opens a wallet-binding request.
func (s *Server) apiRequestBinding(w http.ResponseWriter, r *http.Request) {
	var req bindingReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	challenge, err := hex.DecodeString(req.Challenge)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed challenge: %w", err))
		return
	}
	id, err := s.core.RequestWalletBinding(actor(r), req.CustodianID, req.Address, challenge)
	if err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: hex.EncodeToString(id[:])})
}

// apiFinalizeBinding finalizes a binding with an SPV control proof.
func (s *Server) apiFinalizeBinding(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req finalizeBindingReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rawTx, err := hex.DecodeString(req.RawTx)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed rawTx: %w", err))
		return
	}
	if err := s.core.FinalizeWalletBinding(actor(r), id, rawTx, req.Proof); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: hex.EncodeToString(id[:])})
}

// apiFinalizeBindingSigned finalizes a binding with a signed challenge.
func (s *Server) apiFinalizeBindingSigned(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req finalizeSignedReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	pubKey, err := hex.DecodeString(req.PubKey)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed pubKey: %w", err))
		return
	}
	sig, err := hex.DecodeString(req.Sig)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed sig: %w", err))
		return
	}
	if err := s.core.FinalizeWalletBindingSigned(actor(r), id, pubKey, sig); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: hex.EncodeToString(id[:])})
}

// apiInitiateRedemption opens a redemption.
func (s *Server) apiInitiateRedemption(w http.ResponseWriter, r *http.Request) {
	var req redemptionReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.core.InitiateRedemption(actor(r), req.CustodianID, req.Amount, req.DestAddr)
	if err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: hex.EncodeToString(id[:])})
}

// apiRedemption reports a redemption's state.
func (s *Server) apiRedemption(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	red, err := s.core.Redemptions().Redemption(id)
	if err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	res := &redemptionResult{
		ID:          hex.EncodeToString(red.ID[:]),
		CustodianID: red.CustodianID,
		Requester:   red.Requester,
		Amount:      red.Amount,
		DestAddr:    red.DestAddr,
		Status:      red.Status.String(),
		CreatedMS:   red.CreatedMS,
		DeadlineMS:  red.DeadlineMS,
	}
	if red.FulfillmentTxID != (chainhash.Hash{}) {
		res.FulfillmentTx = red.FulfillmentTxID.String()
	}
	s.writeJSON(w, res)
}

// apiFulfillRedemption proves a redemption payment with an SPV proof.
func (s *Server) apiFulfillRedemption(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req fulfillReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rawTx, err := hex.DecodeString(req.RawTx)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed rawTx: %w", err))
		return
	}
	if err := s.core.RecordRedemptionFulfillment(id, req.Address, req.Amount, rawTx, req.Proof); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: hex.EncodeToString(id[:])})
}

// apiExpireRedemption times out a redemption past its deadline.
func (s *Server) apiExpireRedemption(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.ExpireRedemption(id); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: hex.EncodeToString(id[:])})
}

// apiPropose submits a watchdog proposal.
func (s *Server) apiPropose(w http.ResponseWriter, r *http.Request) {
	var req proposeReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	typ, err := parseProposalType(req.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed payload: %w", err))
		return
	}
	id, err := s.core.ProposeAction(actor(r), typ, payload, req.Justification)
	if err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &idResult{ID: hex.EncodeToString(id[:])})
}

// apiVote casts a watchdog vote.
func (s *Server) apiVote(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req voteReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	executed, err := s.core.Vote(actor(r), id, req.InFavor)
	if err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &voteResult{Executed: executed})
}

// apiProposal reports a proposal's vote record.
func (s *Server) apiProposal(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	prop, err := s.core.Watchdogs().Proposal(id)
	if err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, &proposalResult{
		ID:            hex.EncodeToString(prop.ID[:]),
		Type:          prop.Type.String(),
		Proposer:      prop.Proposer,
		Justification: prop.Justification,
		CreatedMS:     prop.CreatedMS,
		DeadlineMS:    prop.DeadlineMS,
		Threshold:     prop.Threshold,
		YesVotes:      prop.YesVotes,
		NoVotes:       prop.NoVotes,
		Executed:      prop.Executed,
		ExecError:     prop.ExecError,
	})
}

// apiUpdateDifficulty rotates a new retarget epoch into the difficulty
// oracle.
func (s *Server) apiUpdateDifficulty(w http.ResponseWriter, r *http.Request) {
	var req difficultyReq
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.UpdateDifficulty(actor(r), req.Bits); err != nil {
		s.writeError(w, errCode(err), err)
		return
	}
	s.writeJSON(w, map[string]uint32{"bits": req.Bits})
}
