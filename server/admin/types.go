// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import "qcbridge.org/qcbridge/server/spv"

// registerCustodianReq is the request body for POST /api/custodian.
type registerCustodianReq struct {
	ID     string `json:"id"`
	MaxCap uint64 `json:"maxCap"`
}

// setStatusReq is the request body for POST /api/custodian/{id}/status.
type setStatusReq struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// attestationReq is the request body for POST /api/attestation.
type attestationReq struct {
	CustodianID string `json:"custodianId"`
	Balance     uint64 `json:"balance"`
	StampMS     uint64 `json:"timestamp"`
}

// mintReq is the request body for POST /api/mint.
type mintReq struct {
	CustodianID string `json:"custodianId"`
	Amount      uint64 `json:"amount"`
}

// bindingReq is the request body for POST /api/binding. Challenge is hex.
type bindingReq struct {
	CustodianID string `json:"custodianId"`
	Address     string `json:"address"`
	Challenge   string `json:"challenge"`
}

// finalizeBindingReq is the request body for POST /api/binding/{id}/finalize.
// RawTx is the hex-encoded serialized transaction.
type finalizeBindingReq struct {
	RawTx string     `json:"rawTx"`
	Proof *spv.Proof `json:"proof"`
}

// finalizeSignedReq is the request body for
// POST /api/binding/{id}/finalize-signed. PubKey and Sig are hex.
type finalizeSignedReq struct {
	PubKey string `json:"pubKey"`
	Sig    string `json:"sig"`
}

// redemptionReq is the request body for POST /api/redemption.
type redemptionReq struct {
	CustodianID string `json:"custodianId"`
	Amount      uint64 `json:"amount"`
	DestAddr    string `json:"destAddr"`
}

// fulfillReq is the request body for POST /api/redemption/{id}/fulfill.
type fulfillReq struct {
	Address string     `json:"address"`
	Amount  uint64     `json:"amount"`
	RawTx   string     `json:"rawTx"`
	Proof   *spv.Proof `json:"proof"`
}

// proposeReq is the request body for POST /api/proposal. Payload is the
// hex-encoded versioned payload blob for the named type.
type proposeReq struct {
	Type          string `json:"type"`
	Payload       string `json:"payload"`
	Justification string `json:"justification"`
}

// voteReq is the request body for POST /api/proposal/{id}/vote.
type voteReq struct {
	InFavor bool `json:"inFavor"`
}

// difficultyReq is the request body for POST /api/difficulty.
type difficultyReq struct {
	Bits uint32 `json:"bits"`
}

// idResult carries a newly created object's id.
type idResult struct {
	ID string `json:"id"`
}

// voteResult reports whether a vote triggered execution.
type voteResult struct {
	Executed bool `json:"executed"`
}

// custodianResult is the response body for GET /api/custodian/{id}.
type custodianResult struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Wallets     []string `json:"wallets"`
	Minted      uint64   `json:"minted"`
	Available   uint64   `json:"available"`
	Attested    uint64   `json:"attested,omitempty"`
	AttestStamp uint64   `json:"attestStamp,omitempty"`
	Stale       bool     `json:"stale"`
}

// redemptionResult is the response body for GET /api/redemption/{id}.
type redemptionResult struct {
	ID            string `json:"id"`
	CustodianID   string `json:"custodianId"`
	Requester     string `json:"requester"`
	Amount        uint64 `json:"amount"`
	DestAddr      string `json:"destAddr"`
	Status        string `json:"status"`
	CreatedMS     uint64 `json:"created"`
	DeadlineMS    uint64 `json:"deadline"`
	FulfillmentTx string `json:"fulfillmentTx,omitempty"`
}

// proposalResult is the response body for GET /api/proposal/{id}.
type proposalResult struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Proposer      string `json:"proposer"`
	Justification string `json:"justification"`
	CreatedMS     uint64 `json:"created"`
	DeadlineMS    uint64 `json:"deadline"`
	Threshold     uint32 `json:"threshold"`
	YesVotes      uint32 `json:"yesVotes"`
	NoVotes       uint32 `json:"noVotes"`
	Executed      bool   `json:"executed"`
	ExecError     string `json:"execError,omitempty"`
}
