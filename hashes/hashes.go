package hashes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"
)

// DoubleSha256 returns sha256(sha256(b)), the hash bitcoin uses almost
// everywhere.
func DoubleSha256(b []byte) []byte {
	return chainhash.DoubleHashB(b)
}

// ReverseBytes returns a new slice with the bytes of b in reverse order.
// Bitcoin hashes are displayed byte-reversed relative to their internal
// representation.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// HashEncode converts an internal-order hash to the display hex form.
func HashEncode(b []byte) string {
	return hex.EncodeToString(ReverseBytes(b))
}

// HashDecode converts a display-order hex hash to internal byte order.
func HashDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "could not decode hash hex")
	}
	return ReverseBytes(b), nil
}

// ScriptHash returns the Electrum script hash of a hex-encoded
// scriptPubKey: single sha256 of the script, byte-reversed, in hex.
func ScriptHash(scriptHex string) (string, error) {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return "", errors.Wrap(err, "could not decode script hex")
	}
	h := sha256.Sum256(script)
	return HashEncode(h[:]), nil
}

// StatusEntry is one line of an address history for the purposes of the
// Electrum status hash.
type StatusEntry struct {
	TxHash string
	Height int64
}

// StatusHash computes the Electrum status of a history list: a single
// sha256 over the concatenation of "txid:height:" for every entry, in
// order. The status of an empty history is the empty string, not the hash
// of zero bytes.
func StatusHash(entries []StatusEntry) string {
	if len(entries) == 0 {
		return ""
	}
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s:%d:", e.TxHash, e.Height)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MerkleRootFromBranch recombines a transaction hash with its merkle
// branch. All hashes are display-order hex; pos selects left/right at each
// level, least significant bit first.
func MerkleRootFromBranch(txHash string, pos int, branch []string) (string, error) {
	cur, err := HashDecode(txHash)
	if err != nil {
		return "", err
	}
	for i, sibling := range branch {
		sib, err := HashDecode(sibling)
		if err != nil {
			return "", err
		}
		if pos>>uint(i)&1 == 1 {
			cur = DoubleSha256(append(sib, cur...))
		} else {
			cur = DoubleSha256(append(cur, sib...))
		}
	}
	return HashEncode(cur), nil
}

// ScriptToAddress converts a hex-encoded scriptPubKey to its canonical
// address for the given chain.
func ScriptToAddress(scriptHex string, params *chaincfg.Params) (string, error) {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return "", errors.Wrap(err, "could not decode script hex")
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return "", errors.Wrap(err, "could not extract address from script")
	}
	if len(addrs) == 0 {
		return "", errors.Errorf("script %s has no address form", scriptHex)
	}
	return addrs[0].EncodeAddress(), nil
}

// AddressToScript converts an address to its hex-encoded scriptPubKey.
func AddressToScript(addr string, params *chaincfg.Params) (string, error) {
	address, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return "", errors.Wrap(err, "could not decode address "+addr)
	}
	script, err := txscript.PayToAddrScript(address)
	if err != nil {
		return "", errors.Wrap(err, "could not build script for "+addr)
	}
	return hex.EncodeToString(script), nil
}

// BytesFmt renders a byte count in human readable form, e.g. "1.5 MiB".
func BytesFmt(num float64) string {
	for _, unit := range []string{"", "Ki", "Mi", "Gi", "Ti", "Pi", "Ei", "Zi"} {
		if num < 1024.0 && num > -1024.0 {
			return fmt.Sprintf("%3.1f %sB", num, unit)
		}
		num /= 1024.0
	}
	return fmt.Sprintf("%.1f YiB", num)
}
