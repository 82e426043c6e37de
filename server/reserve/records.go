// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package reserve

import (
	"fmt"

	"qcbridge.org/qcbridge/bridge/encode"
)

// Store key layout. Attestation history keys embed the big-endian timestamp
// and a per-custodian sequence number, so iteration yields submission order
// and attestations with equal timestamps get distinct keys.
const (
	reservesPrefix           = "rsv/"
	attestationHistoryPrefix = "att/"
	currentAttestationPrefix = "attcur/"
)

func reservesKey(custodianID string) []byte {
	return append([]byte(reservesPrefix), custodianID...)
}

func attestationPrefix(custodianID string) []byte {
	return append([]byte(attestationHistoryPrefix), custodianID+"/"...)
}

func attestationKey(custodianID string, stampMS, seq uint64) []byte {
	k := append(attestationPrefix(custodianID), encode.Uint64Bytes(stampMS)...)
	return append(k, encode.Uint64Bytes(seq)...)
}

func currentAttestationKey(custodianID string) []byte {
	return append([]byte(currentAttestationPrefix), custodianID...)
}

func encodeReserves(maxCap, minted uint64) []byte {
	return encode.BuildyBytes{0}.
		AddData(encode.Uint64Bytes(maxCap)).
		AddData(encode.Uint64Bytes(minted))
}

func decodeReserves(b []byte) (maxCap, minted uint64, err error) {
	ver, pushes, err := encode.DecodeBlob(b, 2)
	if err != nil {
		return 0, 0, err
	}
	if ver != 0 {
		return 0, 0, fmt.Errorf("unknown reserves record version %d", ver)
	}
	if len(pushes) != 2 {
		return 0, 0, fmt.Errorf("expected 2 pushes, got %d", len(pushes))
	}
	return encode.BytesToUint64(pushes[0]), encode.BytesToUint64(pushes[1]), nil
}

func encodeAttestation(att *Attestation) []byte {
	return encode.BuildyBytes{0}.
		AddData([]byte(att.CustodianID)).
		AddData(encode.Uint64Bytes(att.Balance)).
		AddData(encode.Uint64Bytes(att.StampMS))
}

func decodeAttestation(b []byte) (*Attestation, error) {
	ver, pushes, err := encode.DecodeBlob(b, 3)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown attestation record version %d", ver)
	}
	if len(pushes) != 3 {
		return nil, fmt.Errorf("expected 3 pushes, got %d", len(pushes))
	}
	return &Attestation{
		CustodianID: string(pushes[0]),
		Balance:     encode.BytesToUint64(pushes[1]),
		StampMS:     encode.BytesToUint64(pushes[2]),
	}, nil
}
