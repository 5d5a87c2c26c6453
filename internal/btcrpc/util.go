package btcrpc

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// netParamsForDecode is intentionally permissive: the node client decodes
// addresses it read back from the node itself, which already agrees with
// whatever network the node is configured for.
var netParamsForDecode = &chaincfg.MainNetParams

// SetDecodeParams lets the owning node package point address decoding at
// the network actually in use (regtest/testnet/mainnet).
func SetDecodeParams(params *chaincfg.Params) {
	netParamsForDecode = params
}

func decodeAddress(address string) (btcutil.Address, error) {
	return btcutil.DecodeAddress(address, netParamsForDecode)
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func btcToSat(amount float64) int64 {
	return int64(amount*1e8 + 0.5)
}

func isDoubleSpendOrScriptError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "missing inputs") ||
		strings.Contains(msg, "already in block chain") ||
		strings.Contains(msg, "non-mandatory-script-verify") ||
		strings.Contains(msg, "mandatory-script-verify") ||
		strings.Contains(msg, "bad-txns")
}
