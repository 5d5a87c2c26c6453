package indexer

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

var netParams = &chaincfg.MainNetParams

// SetNetworkParams configures which network the indexer decodes the bridge
// address against. Call once at startup with the configured network.
func SetNetworkParams(params *chaincfg.Params) {
	netParams = params
}

func decodeAddressForScript(address string) (btcutil.Address, error) {
	return btcutil.DecodeAddress(address, netParams)
}

func scriptsEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}
