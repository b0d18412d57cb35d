package utils

import (
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// PanicOnError panics if err is not nil
func PanicOnError(err error) {
	if err != nil {
		panic(err)
	}
}

type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ChainConfig maps a Network to the matching btcsuite chain parameters.
func (n Network) ChainConfig() *chaincfg.Params {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Testnet:
		return &chaincfg.TestNet3Params
	default:
		panic("unreachable")
	}
}

// XpubToNetwork maps a master public key to mainnet or testnet by its
// version prefix. Covers the SLIP-132 prefixes as well as legacy Electrum
// master public keys (raw hex, which old Electrum only used on mainnet).
func XpubToNetwork(xpub string) Network {
	for _, prefix := range []string{"tpub", "upub", "vpub"} {
		if strings.HasPrefix(xpub, prefix) {
			return Testnet
		}
	}
	return Mainnet
}

// AddressToNetwork maps an address to mainnet or testnet by its prefix.
func AddressToNetwork(addr string) Network {
	addr = strings.TrimSpace(addr)
	for _, prefix := range []string{"m", "n", "2", "tb1"} {
		if strings.HasPrefix(addr, prefix) {
			return Testnet
		}
	}
	return Mainnet
}
