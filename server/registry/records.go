// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package registry

import (
	"fmt"

	"qcbridge.org/qcbridge/bridge/encode"
)

const (
	custodianPrefix = "qc/"
	bindingPrefix   = "bnd/"
)

func custodianKey(custodianID string) []byte {
	return append([]byte(custodianPrefix), custodianID...)
}

func bindingKey(id [32]byte) []byte {
	return append([]byte(bindingPrefix), id[:]...)
}

func encodeCustodian(qc *Custodian) []byte {
	b := encode.BuildyBytes{0}.
		AddData([]byte(qc.ID)).
		AddData([]byte{byte(qc.Status)})
	for _, wallet := range qc.Wallets {
		b = b.AddData([]byte(wallet))
	}
	return b
}

func decodeCustodian(b []byte) (*Custodian, error) {
	ver, pushes, err := encode.DecodeBlob(b, 4)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown custodian record version %d", ver)
	}
	if len(pushes) < 2 || len(pushes[1]) != 1 {
		return nil, fmt.Errorf("malformed custodian record")
	}
	qc := &Custodian{
		ID:     string(pushes[0]),
		Status: Status(pushes[1][0]),
	}
	for _, push := range pushes[2:] {
		qc.Wallets = append(qc.Wallets, string(push))
	}
	return qc, nil
}

func encodeBinding(binding *Binding) []byte {
	finalized := encode.ByteFalse
	if binding.Finalized {
		finalized = encode.ByteTrue
	}
	return encode.BuildyBytes{0}.
		AddData(binding.ID[:]).
		AddData([]byte(binding.CustodianID)).
		AddData([]byte(binding.Address)).
		AddData(binding.Challenge).
		AddData([]byte(binding.Requester)).
		AddData(encode.Uint64Bytes(binding.CreatedMS)).
		AddData(encode.Uint64Bytes(binding.ExpiresMS)).
		AddData(finalized)
}

func decodeBinding(b []byte) (*Binding, error) {
	ver, pushes, err := encode.DecodeBlob(b, 8)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown binding record version %d", ver)
	}
	if len(pushes) != 8 || len(pushes[0]) != 32 || len(pushes[7]) != 1 {
		return nil, fmt.Errorf("malformed binding record")
	}
	binding := &Binding{
		CustodianID: string(pushes[1]),
		Address:     string(pushes[2]),
		Challenge:   encode.CopySlice(pushes[3]),
		Requester:   string(pushes[4]),
		CreatedMS:   encode.BytesToUint64(pushes[5]),
		ExpiresMS:   encode.BytesToUint64(pushes[6]),
		Finalized:   pushes[7][0] == 1,
	}
	copy(binding.ID[:], pushes[0])
	return binding, nil
}
