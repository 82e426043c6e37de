// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package watchdog

import (
	"fmt"

	"qcbridge.org/qcbridge/bridge/encode"
)

const proposalPrefix = "prop/"

func proposalKey(id [32]byte) []byte {
	return append([]byte(proposalPrefix), id[:]...)
}

// Proposal records append one push per vote after the fixed fields, each
// vote encoded as voter-name bytes preceded by a direction byte.
func encodeProposal(prop *Proposal) []byte {
	executed := encode.ByteFalse
	if prop.Executed {
		executed = encode.ByteTrue
	}
	b := encode.BuildyBytes{0}.
		AddData(prop.ID[:]).
		AddData([]byte{byte(prop.Type)}).
		AddData(prop.Payload).
		AddData([]byte(prop.Justification)).
		AddData([]byte(prop.Proposer)).
		AddData(encode.Uint64Bytes(prop.CreatedMS)).
		AddData(encode.Uint64Bytes(prop.DeadlineMS)).
		AddData(encode.Uint32Bytes(prop.Threshold)).
		AddData(executed).
		AddData([]byte(prop.ExecError))
	for voter, inFavor := range prop.votes {
		direction := byte(0)
		if inFavor {
			direction = 1
		}
		b = b.AddData(append([]byte{direction}, voter...))
	}
	return b
}

func decodeProposal(b []byte) (*Proposal, error) {
	ver, pushes, err := encode.DecodeBlob(b, 12)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown proposal record version %d", ver)
	}
	if len(pushes) < 10 || len(pushes[0]) != 32 || len(pushes[1]) != 1 || len(pushes[8]) != 1 {
		return nil, fmt.Errorf("malformed proposal record")
	}
	prop := &Proposal{
		Type:          ProposalType(pushes[1][0]),
		Payload:       encode.CopySlice(pushes[2]),
		Justification: string(pushes[3]),
		Proposer:      string(pushes[4]),
		CreatedMS:     encode.BytesToUint64(pushes[5]),
		DeadlineMS:    encode.BytesToUint64(pushes[6]),
		Threshold:     encode.BytesToUint32(pushes[7]),
		Executed:      pushes[8][0] == 1,
		ExecError:     string(pushes[9]),
		votes:         make(map[string]bool),
	}
	copy(prop.ID[:], pushes[0])
	for _, push := range pushes[10:] {
		if len(push) < 2 {
			return nil, fmt.Errorf("malformed vote record")
		}
		inFavor := push[0] == 1
		prop.votes[string(push[1:])] = inFavor
		if inFavor {
			prop.YesVotes++
		} else {
			prop.NoVotes++
		}
	}
	return prop, nil
}
