// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package watchdog

import (
	"fmt"

	"qcbridge.org/qcbridge/bridge/encode"
)

// Proposal payloads are versioned blobs so that off-chain watchdog tooling
// and the core decode them identically.

// StatusChangePayload directs a custodian status change.
type StatusChangePayload struct {
	CustodianID string
	// NewStatus uses the registry's status numbering.
	NewStatus uint8
	Reason    string
}

// Encode serializes the payload.
func (p *StatusChangePayload) Encode() []byte {
	return encode.BuildyBytes{0}.
		AddData([]byte(p.CustodianID)).
		AddData([]byte{p.NewStatus}).
		AddData([]byte(p.Reason))
}

// DecodeStatusChangePayload deserializes a StatusChangePayload.
func DecodeStatusChangePayload(b []byte) (*StatusChangePayload, error) {
	ver, pushes, err := encode.DecodeBlob(b, 3)
	if err != nil {
		return nil, err
	}
	if ver != 0 || len(pushes) != 3 || len(pushes[1]) != 1 {
		return nil, fmt.Errorf("malformed status-change payload")
	}
	return &StatusChangePayload{
		CustodianID: string(pushes[0]),
		NewStatus:   pushes[1][0],
		Reason:      string(pushes[2]),
	}, nil
}

// RedemptionDefaultPayload directs the default of a timed-out redemption.
type RedemptionDefaultPayload struct {
	RedemptionID [32]byte
	Reason       string
}

// Encode serializes the payload.
func (p *RedemptionDefaultPayload) Encode() []byte {
	return encode.BuildyBytes{0}.
		AddData(p.RedemptionID[:]).
		AddData([]byte(p.Reason))
}

// DecodeRedemptionDefaultPayload deserializes a RedemptionDefaultPayload.
func DecodeRedemptionDefaultPayload(b []byte) (*RedemptionDefaultPayload, error) {
	ver, pushes, err := encode.DecodeBlob(b, 2)
	if err != nil {
		return nil, err
	}
	if ver != 0 || len(pushes) != 2 || len(pushes[0]) != 32 {
		return nil, fmt.Errorf("malformed redemption-default payload")
	}
	p := &RedemptionDefaultPayload{Reason: string(pushes[1])}
	copy(p.RedemptionID[:], pushes[0])
	return p, nil
}

// ParameterChangePayload adjusts an operational parameter. Scope is empty
// for global parameters or a custodian id for per-custodian parameters.
type ParameterChangePayload struct {
	Name  string
	Scope string
	Value uint64
}

// Encode serializes the payload.
func (p *ParameterChangePayload) Encode() []byte {
	return encode.BuildyBytes{0}.
		AddData([]byte(p.Name)).
		AddData([]byte(p.Scope)).
		AddData(encode.Uint64Bytes(p.Value))
}

// DecodeParameterChangePayload deserializes a ParameterChangePayload.
func DecodeParameterChangePayload(b []byte) (*ParameterChangePayload, error) {
	ver, pushes, err := encode.DecodeBlob(b, 3)
	if err != nil {
		return nil, err
	}
	if ver != 0 || len(pushes) != 3 || len(pushes[2]) != 8 {
		return nil, fmt.Errorf("malformed parameter-change payload")
	}
	return &ParameterChangePayload{
		Name:  string(pushes[0]),
		Scope: string(pushes[1]),
		Value: encode.BytesToUint64(pushes[2]),
	}, nil
}

// ForceInterventionPayload carries an opaque directive for off-protocol
// intervention tooling. The core records its execution but interprets
// nothing beyond the target custodian.
type ForceInterventionPayload struct {
	CustodianID string
	Directive   []byte
}

// Encode serializes the payload.
func (p *ForceInterventionPayload) Encode() []byte {
	return encode.BuildyBytes{0}.
		AddData([]byte(p.CustodianID)).
		AddData(p.Directive)
}

// DecodeForceInterventionPayload deserializes a ForceInterventionPayload.
func DecodeForceInterventionPayload(b []byte) (*ForceInterventionPayload, error) {
	ver, pushes, err := encode.DecodeBlob(b, 2)
	if err != nil {
		return nil, err
	}
	if ver != 0 || len(pushes) != 2 {
		return nil, fmt.Errorf("malformed force-intervention payload")
	}
	return &ForceInterventionPayload{
		CustodianID: string(pushes[0]),
		Directive:   encode.CopySlice(pushes[1]),
	}, nil
}
