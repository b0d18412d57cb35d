// Package wallet derives the script-pubkeys of a deterministic wallet from
// its master public key, tracking a "next unused" cursor per chain and the
// configured gap limit.
package wallet

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"

	"github.com/bitwatch/electrum-personal-server/hashes"
	"github.com/bitwatch/electrum-personal-server/utils"
)

// DeterministicWallet produces script-pubkeys at (change, index) lazily.
// change is 0 for the receive chain and 1 for the change chain.
type DeterministicWallet interface {
	// ScriptPubKeys derives count scripts starting at fromIndex without
	// moving the next-unused cursor.
	ScriptPubKeys(change, fromIndex, count int) ([]string, error)
	// NewScriptPubKeys derives count scripts at the cursor and advances it.
	NewScriptPubKeys(change, count int) ([]string, error)
	// RewindOne moves the cursor back by one.
	RewindOne(change int)
	// OverrunGapLimit reports, per chain, how many further scripts must be
	// derived so that each given script is followed by at least a full gap
	// limit of derived scripts. Scripts not belonging to this wallet are
	// ignored.
	OverrunGapLimit(scriptPubKeys []string) map[int]int
	// Owns reports whether the script was derived by this wallet.
	Owns(scriptPubKey string) bool
	Network() utils.Network
}

type deriveFunc func(change, index int) (string, error)

type deterministicWallet struct {
	network     utils.Network
	gapLimit    int
	nextIndex   [2]int
	scriptIndex map[string][2]int // script hex => (change, index)
	derive      deriveFunc
}

func newDeterministicWallet(network utils.Network, gapLimit int, derive deriveFunc) *deterministicWallet {
	return &deterministicWallet{
		network:     network,
		gapLimit:    gapLimit,
		scriptIndex: make(map[string][2]int),
		derive:      derive,
	}
}

func (w *deterministicWallet) ScriptPubKeys(change, fromIndex, count int) ([]string, error) {
	if change != 0 && change != 1 {
		return nil, errors.Errorf("invalid change chain %d", change)
	}
	scripts := make([]string, 0, count)
	for i := fromIndex; i < fromIndex+count; i++ {
		spk, err := w.derive(change, i)
		if err != nil {
			return nil, errors.Wrapf(err, "could not derive script at (%d, %d)", change, i)
		}
		w.scriptIndex[spk] = [2]int{change, i}
		scripts = append(scripts, spk)
	}
	return scripts, nil
}

func (w *deterministicWallet) NewScriptPubKeys(change, count int) ([]string, error) {
	scripts, err := w.ScriptPubKeys(change, w.nextIndex[change], count)
	if err != nil {
		return nil, err
	}
	w.nextIndex[change] += count
	return scripts, nil
}

func (w *deterministicWallet) RewindOne(change int) {
	if w.nextIndex[change] > 0 {
		w.nextIndex[change]--
	}
}

func (w *deterministicWallet) OverrunGapLimit(scriptPubKeys []string) map[int]int {
	result := make(map[int]int)
	for _, spk := range scriptPubKeys {
		ci, ok := w.scriptIndex[spk]
		if !ok {
			continue
		}
		change, index := ci[0], ci[1]
		distance := w.nextIndex[change] - index
		if distance > w.gapLimit {
			continue
		}
		needed := w.gapLimit - distance + 1
		if needed > result[change] {
			result[change] = needed
		}
	}
	return result
}

func (w *deterministicWallet) Owns(scriptPubKey string) bool {
	_, ok := w.scriptIndex[scriptPubKey]
	return ok
}

func (w *deterministicWallet) Network() utils.Network {
	return w.network
}

type scriptType int

const (
	scriptP2PKH scriptType = iota
	scriptP2WPKH
	scriptP2SHP2WPKH
)

// slip132Versions maps the SLIP-132 extended key prefixes onto the standard
// BIP32 version bytes and the script type they imply.
var slip132Versions = map[string]struct {
	standard [4]byte
	script   scriptType
}{
	"xpub": {[4]byte{0x04, 0x88, 0xb2, 0x1e}, scriptP2PKH},
	"tpub": {[4]byte{0x04, 0x35, 0x87, 0xcf}, scriptP2PKH},
	"ypub": {[4]byte{0x04, 0x88, 0xb2, 0x1e}, scriptP2SHP2WPKH},
	"upub": {[4]byte{0x04, 0x35, 0x87, 0xcf}, scriptP2SHP2WPKH},
	"zpub": {[4]byte{0x04, 0x88, 0xb2, 0x1e}, scriptP2WPKH},
	"vpub": {[4]byte{0x04, 0x35, 0x87, 0xcf}, scriptP2WPKH},
}

// ParseMasterPublicKey builds a deterministic wallet from any supported
// master public key form: standard BIP32 xpub/tpub, the SLIP-132
// ypub/upub/zpub/vpub variants, or the 128 hex character master public key
// of legacy Electrum wallets.
func ParseMasterPublicKey(mpk string, gapLimit int) (DeterministicWallet, error) {
	mpk = strings.TrimSpace(mpk)
	if len(mpk) >= 4 {
		if entry, ok := slip132Versions[mpk[:4]]; ok {
			return newBIP32Wallet(mpk, entry.standard, entry.script, gapLimit)
		}
	}
	if len(mpk) == 128 {
		if _, err := hex.DecodeString(mpk); err == nil {
			return newLegacyElectrumWallet(mpk, gapLimit)
		}
	}
	return nil, errors.Errorf("unrecognised master public key format: %s...", mpk[:min(8, len(mpk))])
}

func newBIP32Wallet(mpk string, version [4]byte, script scriptType, gapLimit int) (DeterministicWallet, error) {
	network := utils.XpubToNetwork(mpk)
	params := network.ChainConfig()

	standard, err := rewriteVersionBytes(mpk, version)
	if err != nil {
		return nil, err
	}
	key, err := hdkeychain.NewKeyFromString(standard)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse master public key")
	}
	if key.IsPrivate() {
		return nil, errors.New("master key is private, refusing to use it")
	}

	derive := func(change, index int) (string, error) {
		changeKey, err := key.Derive(uint32(change))
		if err != nil {
			return "", err
		}
		childKey, err := changeKey.Derive(uint32(index))
		if err != nil {
			return "", err
		}
		pubKey, err := childKey.ECPubKey()
		if err != nil {
			return "", err
		}
		return scriptForPubKey(pubKey.SerializeCompressed(), script, params)
	}
	return newDeterministicWallet(network, gapLimit, derive), nil
}

// rewriteVersionBytes swaps a SLIP-132 version prefix for the standard
// BIP32 one so hdkeychain can parse the key. Standard keys pass through.
func rewriteVersionBytes(mpk string, version [4]byte) (string, error) {
	decoded := base58.Decode(mpk)
	if len(decoded) != 82 {
		return "", errors.Errorf("master public key has wrong length %d", len(decoded))
	}
	payload := decoded[:78]
	checksum := hashes.DoubleSha256(payload)[:4]
	for i, b := range checksum {
		if decoded[78+i] != b {
			return "", errors.New("master public key checksum mismatch")
		}
	}
	rewritten := make([]byte, 78)
	copy(rewritten, version[:])
	copy(rewritten[4:], payload[4:])
	rewritten = append(rewritten, hashes.DoubleSha256(rewritten)[:4]...)
	return base58.Encode(rewritten), nil
}

func scriptForPubKey(pubKeyBytes []byte, script scriptType, params *chaincfg.Params) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKeyBytes)
	var addr btcutil.Address
	var err error
	switch script {
	case scriptP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	case scriptP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	case scriptP2SHP2WPKH:
		var witness *btcutil.AddressWitnessPubKeyHash
		witness, err = btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
		if err != nil {
			break
		}
		var redeem []byte
		redeem, err = txscript.PayToAddrScript(witness)
		if err != nil {
			break
		}
		addr, err = btcutil.NewAddressScriptHash(redeem, params)
	}
	if err != nil {
		return "", err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pkScript), nil
}

// newLegacyElectrumWallet handles the pre-BIP32 Electrum scheme: the master
// public key is an uncompressed curve point and child keys are
// master + sha256d("index:change:" || mpk) * G, spent as p2pkh with the
// uncompressed key.
func newLegacyElectrumWallet(mpkHex string, gapLimit int) (DeterministicWallet, error) {
	mpkBytes, err := hex.DecodeString(mpkHex)
	if err != nil {
		return nil, errors.Wrap(err, "could not decode master public key hex")
	}
	masterPub, err := btcec.ParsePubKey(append([]byte{0x04}, mpkBytes...))
	if err != nil {
		return nil, errors.Wrap(err, "master public key is not a valid curve point")
	}
	params := utils.Mainnet.ChainConfig()

	derive := func(change, index int) (string, error) {
		sequence := hashes.DoubleSha256(append([]byte(fmt.Sprintf("%d:%d:", index, change)), mpkBytes...))
		var scalar btcec.ModNScalar
		scalar.SetByteSlice(sequence)

		var offset, master, sum btcec.JacobianPoint
		btcec.ScalarBaseMultNonConst(&scalar, &offset)
		masterPub.AsJacobian(&master)
		btcec.AddNonConst(&offset, &master, &sum)
		sum.ToAffine()

		childKey := btcec.NewPublicKey(&sum.X, &sum.Y)
		return scriptForPubKey(childKey.SerializeUncompressed(), scriptP2PKH, params)
	}
	return newDeterministicWallet(utils.Mainnet, gapLimit, derive), nil
}
