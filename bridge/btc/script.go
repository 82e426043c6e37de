// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"qcbridge.org/qcbridge/bridge"
)

// ErrUnknownAddress is returned for addresses that do not decode to one of
// the supported pay-to classes.
const ErrUnknownAddress = bridge.ErrorKind("unsupported address")

// ScriptClass is the type of a standard output script.
type ScriptClass uint8

const (
	// ScriptUnknown is anything that is not one of the four supported
	// standard pay-to scripts.
	ScriptUnknown ScriptClass = iota
	// ScriptP2PKH is pay-to-pubkey-hash.
	ScriptP2PKH
	// ScriptP2SH is pay-to-script-hash.
	ScriptP2SH
	// ScriptP2WPKH is version-0 pay-to-witness-pubkey-hash.
	ScriptP2WPKH
	// ScriptP2WSH is version-0 pay-to-witness-script-hash.
	ScriptP2WSH
)

var scriptClassNames = map[ScriptClass]string{
	ScriptUnknown: "unknown",
	ScriptP2PKH:   "p2pkh",
	ScriptP2SH:    "p2sh",
	ScriptP2WPKH:  "p2wpkh",
	ScriptP2WSH:   "p2wsh",
}

func (c ScriptClass) String() string {
	if name, found := scriptClassNames[c]; found {
		return name
	}
	return "unknown"
}

// extractPubKeyHash extracts the pubkey hash from the passed script if it is
// a standard pay-to-pubkey-hash script. It will return nil otherwise.
func extractPubKeyHash(script []byte) []byte {
	// A pay-to-pubkey-hash script is of the form:
	//  OP_DUP OP_HASH160 <20-byte hash> OP_EQUALVERIFY OP_CHECKSIG
	if len(script) == 25 &&
		script[0] == txscript.OP_DUP &&
		script[1] == txscript.OP_HASH160 &&
		script[2] == txscript.OP_DATA_20 &&
		script[23] == txscript.OP_EQUALVERIFY &&
		script[24] == txscript.OP_CHECKSIG {

		return script[3:23]
	}
	return nil
}

// extractScriptHash extracts the script hash from the passed script if it is
// a standard pay-to-script-hash script. It will return nil otherwise.
func extractScriptHash(script []byte) []byte {
	// A pay-to-script-hash script is of the form:
	//  OP_HASH160 <20-byte scripthash> OP_EQUAL
	if len(script) == 23 &&
		script[0] == txscript.OP_HASH160 &&
		script[1] == txscript.OP_DATA_20 &&
		script[22] == txscript.OP_EQUAL {

		return script[2:22]
	}
	return nil
}

// extractWitnessPubKeyHash extracts the 20-byte witness program from the
// passed script if it is a standard version-0 pay-to-witness-pubkey-hash
// script. It will return nil otherwise.
func extractWitnessPubKeyHash(script []byte) []byte {
	// A pay-to-witness-pubkey-hash script is of the form:
	//  OP_0 OP_DATA_20 <20-byte hash>
	if len(script) == 22 &&
		script[0] == txscript.OP_0 &&
		script[1] == txscript.OP_DATA_20 {

		return script[2:22]
	}
	return nil
}

// extractWitnessScriptHash extracts the 32-byte witness program from the
// passed script if it is a standard version-0 pay-to-witness-script-hash
// script. It will return nil otherwise.
func extractWitnessScriptHash(script []byte) []byte {
	// A pay-to-witness-script-hash script is of the form:
	//  OP_0 OP_DATA_32 <32-byte hash>
	if len(script) == 34 &&
		script[0] == txscript.OP_0 &&
		script[1] == txscript.OP_DATA_32 {

		return script[2:34]
	}
	return nil
}

// ClassifyScript identifies the standard class of the output script by its
// fixed byte pattern.
func ClassifyScript(script []byte) ScriptClass {
	switch {
	case extractPubKeyHash(script) != nil:
		return ScriptP2PKH
	case extractScriptHash(script) != nil:
		return ScriptP2SH
	case extractWitnessPubKeyHash(script) != nil:
		return ScriptP2WPKH
	case extractWitnessScriptHash(script) != nil:
		return ScriptP2WSH
	}
	return ScriptUnknown
}

// ExtractPayToHash returns the 20- or 32-byte hash embedded in a standard
// output script, regardless of class, or nil for non-standard scripts.
func ExtractPayToHash(script []byte) []byte {
	if h := extractPubKeyHash(script); h != nil {
		return h
	}
	if h := extractScriptHash(script); h != nil {
		return h
	}
	if h := extractWitnessPubKeyHash(script); h != nil {
		return h
	}
	return extractWitnessScriptHash(script)
}

// MaxDataCarrierLen is the longest payload a single-push data carrier can
// hold, limited by the largest direct push opcode.
const MaxDataCarrierLen = txscript.OP_PUSHDATA1 - 1

// ExtractDataCarrier returns the data push of a null-data (OP_RETURN) output
// script, or nil if the script is not a simple single-push data carrier.
func ExtractDataCarrier(script []byte) []byte {
	if len(script) < 2 || script[0] != txscript.OP_RETURN {
		return nil
	}
	dataLen := int(script[1])
	if dataLen == 0 || dataLen > MaxDataCarrierLen || len(script) != 2+dataLen {
		return nil
	}
	return script[2 : 2+dataLen]
}

// SigScriptPubKey returns the final data push of a pay-to-pubkey-hash
// signature script, which is the spender's serialized public key, or nil if
// the script does not end in a plausible pubkey push.
func SigScriptPubKey(sigScript []byte) []byte {
	// A P2PKH signature script is <sig push> <pubkey push>, where the pubkey
	// is 33 (compressed) or 65 (uncompressed) bytes.
	for _, pkLen := range []int{33, 65} {
		if len(sigScript) < pkLen+1 {
			continue
		}
		if int(sigScript[len(sigScript)-pkLen-1]) == pkLen {
			return sigScript[len(sigScript)-pkLen:]
		}
	}
	return nil
}

// AddressPayToHash decodes a Bitcoin address and returns the hash a standard
// output script paying to it would embed, along with the expected script
// class.
func AddressPayToHash(addr string, params *chaincfg.Params) ([]byte, ScriptClass, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, ScriptUnknown, fmt.Errorf("error decoding address %q: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return nil, ScriptUnknown, bridge.NewError(ErrUnknownAddress, "wrong network")
	}
	switch a := decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		return a.Hash160()[:], ScriptP2PKH, nil
	case *btcutil.AddressScriptHash:
		return a.Hash160()[:], ScriptP2SH, nil
	case *btcutil.AddressWitnessPubKeyHash:
		return a.WitnessProgram(), ScriptP2WPKH, nil
	case *btcutil.AddressWitnessScriptHash:
		return a.WitnessProgram(), ScriptP2WSH, nil
	}
	return nil, ScriptUnknown, bridge.NewError(ErrUnknownAddress, addr)
}

// Hash160 is RIPEMD160(SHA256(b)), the hash embedded in pay-to-pubkey-hash
// and pay-to-script-hash scripts.
func Hash160(b []byte) []byte {
	return btcutil.Hash160(b)
}
