// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package redeem

import (
	"fmt"

	"qcbridge.org/qcbridge/bridge/encode"
)

const (
	redemptionPrefix = "red/"
	nonceKey         = "rednonce"
)

func redemptionKey(id [32]byte) []byte {
	return append([]byte(redemptionPrefix), id[:]...)
}

func encodeRedemption(red *Redemption) []byte {
	return encode.BuildyBytes{0}.
		AddData(red.ID[:]).
		AddData([]byte(red.CustodianID)).
		AddData([]byte(red.Requester)).
		AddData(encode.Uint64Bytes(red.Amount)).
		AddData([]byte(red.DestAddr)).
		AddData([]byte{byte(red.Status)}).
		AddData(encode.Uint64Bytes(red.CreatedMS)).
		AddData(encode.Uint64Bytes(red.DeadlineMS)).
		AddData(red.FulfillmentTxID[:])
}

func decodeRedemption(b []byte) (*Redemption, error) {
	ver, pushes, err := encode.DecodeBlob(b, 9)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown redemption record version %d", ver)
	}
	if len(pushes) != 9 || len(pushes[0]) != 32 || len(pushes[5]) != 1 || len(pushes[8]) != 32 {
		return nil, fmt.Errorf("malformed redemption record")
	}
	red := &Redemption{
		CustodianID: string(pushes[1]),
		Requester:   string(pushes[2]),
		Amount:      encode.BytesToUint64(pushes[3]),
		DestAddr:    string(pushes[4]),
		Status:      Status(pushes[5][0]),
		CreatedMS:   encode.BytesToUint64(pushes[6]),
		DeadlineMS:  encode.BytesToUint64(pushes[7]),
	}
	copy(red.ID[:], pushes[0])
	copy(red.FulfillmentTxID[:], pushes[8])
	return red, nil
}
