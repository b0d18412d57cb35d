// Package monitor maintains the Electrum-style history of every watched
// script-pubkey by polling the node's wallet. It discovers new mempool
// entries and confirmations, survives block reorganisations, and extends
// deterministic wallets when activity crosses the gap limit.
package monitor

import (
	"encoding/hex"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/bitwatch/electrum-personal-server/hashes"
	"github.com/bitwatch/electrum-personal-server/rpc"
	"github.com/bitwatch/electrum-personal-server/wallet"
)

// AddressesLabel marks every address this server imports into the node.
const AddressesLabel = "electrum-watchonly-addresses"

// listTransactionsBatch is how many wallet transactions are listed per
// call when paging.
const listTransactionsBatch = 1000

// NodeRPC is the slice of the node client the monitor needs.
type NodeRPC interface {
	GetTransaction(txid string) (*rpc.WalletTransaction, error)
	GetRawTransaction(txid, blockHash string) (string, error)
	GetBlockHeader(blockHash string) (*rpc.BlockHeader, error)
	GetMempoolEntry(txid string) (*rpc.MempoolEntry, error)
	ListTransactions(count, skip int) ([]rpc.TransactionListEntry, error)
	ImportAddress(address, label string, rescan bool) error
}

// HistoryEntry is one line of an address history in the protocol's shape.
// Height is the block height for confirmed transactions, 0 for unconfirmed
// ones and -1 for unconfirmed ones spending unconfirmed inputs. Fee, in
// satoshi, is only attached while unconfirmed.
type HistoryEntry struct {
	Height int64  `json:"height"`
	TxHash string `json:"tx_hash"`
	Fee    *int64 `json:"fee,omitempty"`
}

type scriptRecord struct {
	script     string // scriptPubKey hex
	history    []HistoryEntry
	subscribed bool
	lastStatus string
}

// reorganizableTx remembers where a confirmed history entry came from so a
// vanished block can be noticed later.
type reorganizableTx struct {
	txid         string
	blockHash    string
	height       int64
	scriptHashes []string
}

type lastKnownTx struct {
	txid    string
	address string
}

// TransactionMonitor is only ever driven from the session loop and its
// heartbeats, so it needs no locking.
type TransactionMonitor struct {
	rpc     NodeRPC
	log     hclog.Logger
	params  *chaincfg.Params
	wallets []wallet.DeterministicWallet

	addressHistory  map[string]*scriptRecord // script hash => record
	unconfirmedTxes map[string][]string      // txid => touched script hashes
	reorganizable   []reorganizableTx
	lastKnown       *lastKnownTx
}

func New(nodeRPC NodeRPC, wallets []wallet.DeterministicWallet, params *chaincfg.Params, logger hclog.Logger) *TransactionMonitor {
	return &TransactionMonitor{
		rpc:             nodeRPC,
		log:             logger,
		params:          params,
		wallets:         wallets,
		addressHistory:  make(map[string]*scriptRecord),
		unconfirmedTxes: make(map[string][]string),
	}
}

// BuildAddressHistory bootstraps the history of every monitored script
// from the node's wallet. Called once at startup.
func (m *TransactionMonitor) BuildAddressHistory(scriptPubKeys []string) error {
	start := time.Now()
	for _, spk := range scriptPubKeys {
		scriptHash, err := hashes.ScriptHash(spk)
		if err != nil {
			return errors.Wrap(err, "could not hash monitored script")
		}
		m.addressHistory[scriptHash] = &scriptRecord{script: spk}
	}

	obtained := make(map[string]bool)
	skip := 0
	for {
		entries, err := m.rpc.ListTransactions(listTransactionsBatch, skip)
		if err != nil {
			return errors.Wrap(err, "could not list wallet transactions")
		}
		if skip == 0 && len(entries) > 0 {
			last := entries[len(entries)-1]
			m.lastKnown = &lastKnownTx{txid: last.TxID, address: last.Address}
		}
		for _, entry := range entries {
			m.processListedTransaction(entry, obtained)
		}
		if len(entries) < listTransactionsBatch {
			break
		}
		skip += listTransactionsBatch
	}

	for _, record := range m.addressHistory {
		record.lastStatus = m.statusOf(record)
	}
	m.log.Info("Built address history",
		"addresses", len(m.addressHistory),
		"transactions", len(obtained),
		"duration", time.Since(start))
	return nil
}

// CheckForUpdatedTxes is the polling step driven by both heartbeats. It
// returns the script hashes whose status hash actually changed.
func (m *TransactionMonitor) CheckForUpdatedTxes() []string {
	candidates := m.checkForReorganizations()
	candidates = append(candidates, m.checkForConfirmations()...)
	candidates = append(candidates, m.checkForNewTxes()...)

	seen := make(map[string]bool)
	var updated []string
	for _, scriptHash := range candidates {
		if seen[scriptHash] {
			continue
		}
		seen[scriptHash] = true
		record, ok := m.addressHistory[scriptHash]
		if !ok {
			continue
		}
		status := m.statusOf(record)
		if status != record.lastStatus {
			record.lastStatus = status
			updated = append(updated, scriptHash)
		}
	}
	if len(updated) > 0 {
		m.log.Debug("address histories updated", "count", len(updated))
	}
	return updated
}

// GetElectrumHistory returns the history list of a script hash, nil if the
// script is not monitored.
func (m *TransactionMonitor) GetElectrumHistory(scriptHash string) []HistoryEntry {
	record, ok := m.addressHistory[scriptHash]
	if !ok {
		return nil
	}
	if record.history == nil {
		return []HistoryEntry{}
	}
	return record.history
}

// GetElectrumHistoryHash returns the status hash of a script hash, the
// empty status if it is not monitored.
func (m *TransactionMonitor) GetElectrumHistoryHash(scriptHash string) string {
	record, ok := m.addressHistory[scriptHash]
	if !ok {
		return hashes.StatusHash(nil)
	}
	return m.statusOf(record)
}

// SubscribeAddress marks a script hash subscribed and reports whether it
// is known at all.
func (m *TransactionMonitor) SubscribeAddress(scriptHash string) bool {
	record, ok := m.addressHistory[scriptHash]
	if !ok {
		return false
	}
	record.subscribed = true
	return true
}

// Subscribed reports whether a script hash has an active subscription.
func (m *TransactionMonitor) Subscribed(scriptHash string) bool {
	record, ok := m.addressHistory[scriptHash]
	return ok && record.subscribed
}

// UnsubscribeAllAddresses clears every subscription, done on disconnect.
func (m *TransactionMonitor) UnsubscribeAllAddresses() {
	for _, record := range m.addressHistory {
		record.subscribed = false
	}
}

func (m *TransactionMonitor) NumberOfAddresses() int {
	return len(m.addressHistory)
}

func (m *TransactionMonitor) NumberOfWallets() int {
	return len(m.wallets)
}

func (m *TransactionMonitor) statusOf(record *scriptRecord) string {
	entries := make([]hashes.StatusEntry, len(record.history))
	for i, h := range record.history {
		entries[i] = hashes.StatusEntry{TxHash: h.TxHash, Height: h.Height}
	}
	return hashes.StatusHash(entries)
}

// processListedTransaction folds one listtransactions row into the
// histories it touches and returns the touched script hashes.
func (m *TransactionMonitor) processListedTransaction(entry rpc.TransactionListEntry, obtained map[string]bool) []string {
	if entry.Category != "receive" && entry.Category != "send" {
		return nil
	}
	if obtained[entry.TxID] {
		return nil
	}
	obtained[entry.TxID] = true

	outputScripts, inputScripts, walletTx, msgTx, err := m.transactionScriptPubKeys(entry.TxID)
	if err != nil {
		m.log.Debug("skipping wallet transaction", "txid", entry.TxID, "err", err)
		return nil
	}

	var matching []string
	seen := make(map[string]bool)
	for _, spk := range append(append([]string{}, outputScripts...), inputScripts...) {
		scriptHash, err := hashes.ScriptHash(spk)
		if err != nil || seen[scriptHash] {
			continue
		}
		seen[scriptHash] = true
		if _, ok := m.addressHistory[scriptHash]; ok {
			matching = append(matching, scriptHash)
		}
	}
	if len(matching) == 0 {
		return nil
	}

	element := m.newHistoryElement(walletTx, msgTx)
	if element == nil {
		return nil // conflicted, or the block header vanished under us
	}
	for _, scriptHash := range matching {
		record := m.addressHistory[scriptHash]
		if containsTx(record.history, element.TxHash) {
			continue
		}
		record.history = append(record.history, *element)
		sortHistory(record.history)
	}
	if element.Height <= 0 {
		m.unconfirmedTxes[element.TxHash] = matching
	} else {
		m.reorganizable = append(m.reorganizable, reorganizableTx{
			txid:         element.TxHash,
			blockHash:    walletTx.BlockHash,
			height:       element.Height,
			scriptHashes: matching,
		})
	}
	m.extendWallets(outputScripts)
	return matching
}

// transactionScriptPubKeys decodes a wallet transaction and resolves the
// scripts of its outputs and of the outputs its inputs spend.
func (m *TransactionMonitor) transactionScriptPubKeys(txid string) (outputs, inputs []string, walletTx *rpc.WalletTransaction, msgTx *wire.MsgTx, err error) {
	walletTx, err = m.rpc.GetTransaction(txid)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	msgTx, err = decodeTransaction(walletTx.Hex)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	for _, txOut := range msgTx.TxOut {
		outputs = append(outputs, hex.EncodeToString(txOut.PkScript))
	}
	for _, txIn := range msgTx.TxIn {
		if txIn.PreviousOutPoint.Hash == (chainhash.Hash{}) {
			continue // coinbase
		}
		prevHex, _, perr := m.previousTransaction(txIn.PreviousOutPoint.Hash.String())
		if perr != nil {
			continue // not a wallet transaction, so not one of our scripts
		}
		prevTx, perr := decodeTransaction(prevHex)
		if perr != nil {
			continue
		}
		index := txIn.PreviousOutPoint.Index
		if int(index) < len(prevTx.TxOut) {
			inputs = append(inputs, hex.EncodeToString(prevTx.TxOut[index].PkScript))
		}
	}
	return outputs, inputs, walletTx, msgTx, nil
}

// previousTransaction fetches a transaction the wallet may or may not
// know, returning its hex and confirmation count (zero when unknown).
func (m *TransactionMonitor) previousTransaction(txid string) (string, int64, error) {
	if walletTx, err := m.rpc.GetTransaction(txid); err == nil {
		return walletTx.Hex, walletTx.Confirmations, nil
	}
	txHex, err := m.rpc.GetRawTransaction(txid, "")
	if err != nil {
		return "", 0, err
	}
	return txHex, 0, nil
}

// newHistoryElement classifies a wallet transaction into a history entry.
// Returns nil for conflicted transactions.
func (m *TransactionMonitor) newHistoryElement(walletTx *rpc.WalletTransaction, msgTx *wire.MsgTx) *HistoryEntry {
	switch {
	case walletTx.Confirmations < 0:
		m.log.Debug("ignoring conflicted transaction", "txid", walletTx.TxID)
		return nil
	case walletTx.Confirmations > 0:
		header, err := m.rpc.GetBlockHeader(walletTx.BlockHash)
		if err != nil {
			m.log.Warn("could not resolve block of confirmed transaction",
				"txid", walletTx.TxID, "err", err)
			return nil
		}
		return &HistoryEntry{Height: header.Height, TxHash: walletTx.TxID}
	}

	// unconfirmed: the fee and the confirmation state of every input
	// decide between height 0 and -1
	var totalInput int64
	unconfirmedInput := false
	feeKnown := true
	for _, txIn := range msgTx.TxIn {
		if txIn.PreviousOutPoint.Hash == (chainhash.Hash{}) {
			continue
		}
		prevHex, confirmations, err := m.previousTransaction(txIn.PreviousOutPoint.Hash.String())
		if err != nil {
			feeKnown = false
			continue
		}
		prevTx, err := decodeTransaction(prevHex)
		if err != nil {
			feeKnown = false
			continue
		}
		index := txIn.PreviousOutPoint.Index
		if int(index) >= len(prevTx.TxOut) {
			feeKnown = false
			continue
		}
		totalInput += prevTx.TxOut[index].Value
		if confirmations == 0 {
			unconfirmedInput = true
		}
	}
	var totalOutput int64
	for _, txOut := range msgTx.TxOut {
		totalOutput += txOut.Value
	}

	element := &HistoryEntry{Height: 0, TxHash: walletTx.TxID}
	if unconfirmedInput {
		element.Height = -1
	}
	if feeKnown {
		fee := totalInput - totalOutput
		element.Fee = &fee
	}
	return element
}

// extendWallets derives and imports further scripts for any deterministic
// wallet whose gap limit the given scripts have crossed.
func (m *TransactionMonitor) extendWallets(scriptPubKeys []string) {
	for _, w := range m.wallets {
		for change, count := range w.OverrunGapLimit(scriptPubKeys) {
			newScripts, err := w.NewScriptPubKeys(change, count)
			if err != nil {
				m.log.Warn("could not derive past the gap limit", "err", err)
				continue
			}
			for _, spk := range newScripts {
				scriptHash, err := hashes.ScriptHash(spk)
				if err != nil {
					continue
				}
				if _, exists := m.addressHistory[scriptHash]; exists {
					continue
				}
				m.addressHistory[scriptHash] = &scriptRecord{script: spk}
				address, err := hashes.ScriptToAddress(spk, m.params)
				if err != nil {
					m.log.Warn("could not convert derived script to an address", "err", err)
					continue
				}
				m.log.Debug("importing address past the gap limit", "address", address)
				if err := m.rpc.ImportAddress(address, AddressesLabel, false); err != nil {
					m.log.Warn("could not import address", "address", address, "err", err)
				}
			}
		}
	}
}

// checkForReorganizations notices orphaned blocks and re-files the history
// entries that pointed into them.
func (m *TransactionMonitor) checkForReorganizations() []string {
	var updated []string
	var remaining []reorganizableTx
	for _, reorg := range m.reorganizable {
		header, err := m.rpc.GetBlockHeader(reorg.blockHash)
		if err == nil && header.Confirmations >= 0 {
			remaining = append(remaining, reorg)
			continue
		}
		m.log.Info("Block reorganisation detected",
			"block", reorg.blockHash, "txid", reorg.txid)
		m.removeFromHistories(reorg.txid, reorg.scriptHashes)
		updated = append(updated, reorg.scriptHashes...)

		// the transaction may have made it into the replacement chain or
		// be back in the mempool
		walletTx, err := m.rpc.GetTransaction(reorg.txid)
		if err != nil || walletTx.Confirmations < 0 {
			continue
		}
		msgTx, err := decodeTransaction(walletTx.Hex)
		if err != nil {
			continue
		}
		element := m.newHistoryElement(walletTx, msgTx)
		if element == nil {
			continue
		}
		for _, scriptHash := range reorg.scriptHashes {
			if record, ok := m.addressHistory[scriptHash]; ok {
				record.history = append(record.history, *element)
				sortHistory(record.history)
			}
		}
		if element.Height <= 0 {
			m.unconfirmedTxes[reorg.txid] = reorg.scriptHashes
		} else {
			remaining = append(remaining, reorganizableTx{
				txid:         reorg.txid,
				blockHash:    walletTx.BlockHash,
				height:       element.Height,
				scriptHashes: reorg.scriptHashes,
			})
		}
	}
	m.reorganizable = remaining
	return updated
}

// checkForConfirmations moves unconfirmed entries that made it into a
// block and drops the ones that fell out of the mempool or conflicted.
func (m *TransactionMonitor) checkForConfirmations() []string {
	var updated []string
	for txid, scriptHashes := range m.cloneUnconfirmed() {
		walletTx, err := m.rpc.GetTransaction(txid)
		if err != nil {
			m.log.Info("Unconfirmed transaction disappeared", "txid", txid)
			m.removeFromHistories(txid, scriptHashes)
			delete(m.unconfirmedTxes, txid)
			updated = append(updated, scriptHashes...)
			continue
		}
		switch {
		case walletTx.Confirmations < 0:
			m.log.Info("Unconfirmed transaction conflicted", "txid", txid)
			m.removeFromHistories(txid, scriptHashes)
			delete(m.unconfirmedTxes, txid)
			updated = append(updated, scriptHashes...)
		case walletTx.Confirmations == 0:
			if _, err := m.rpc.GetMempoolEntry(txid); err != nil {
				m.log.Info("Transaction dropped out of the mempool", "txid", txid)
				m.removeFromHistories(txid, scriptHashes)
				delete(m.unconfirmedTxes, txid)
				updated = append(updated, scriptHashes...)
			}
		default:
			header, err := m.rpc.GetBlockHeader(walletTx.BlockHash)
			if err != nil {
				continue
			}
			m.log.Info("Transaction confirmed", "txid", txid, "height", header.Height)
			for _, scriptHash := range scriptHashes {
				record, ok := m.addressHistory[scriptHash]
				if !ok {
					continue
				}
				for i := range record.history {
					if record.history[i].TxHash == txid {
						record.history[i].Height = header.Height
						record.history[i].Fee = nil
					}
				}
				sortHistory(record.history)
			}
			delete(m.unconfirmedTxes, txid)
			m.reorganizable = append(m.reorganizable, reorganizableTx{
				txid:         txid,
				blockHash:    walletTx.BlockHash,
				height:       header.Height,
				scriptHashes: scriptHashes,
			})
			updated = append(updated, scriptHashes...)
		}
	}
	return updated
}

// checkForNewTxes folds wallet transactions that appeared since the last
// poll into the histories.
func (m *TransactionMonitor) checkForNewTxes() []string {
	entries, err := m.rpc.ListTransactions(listTransactionsBatch, 0)
	if err != nil {
		m.log.Warn("could not list wallet transactions", "err", err)
		return nil
	}
	if len(entries) == 0 {
		return nil
	}
	newEntries := entries
	if m.lastKnown != nil {
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].TxID == m.lastKnown.txid && entries[i].Address == m.lastKnown.address {
				newEntries = entries[i+1:]
				break
			}
		}
	}
	last := entries[len(entries)-1]
	m.lastKnown = &lastKnownTx{txid: last.TxID, address: last.Address}

	obtained := make(map[string]bool)
	var updated []string
	for _, entry := range newEntries {
		updated = append(updated, m.processListedTransaction(entry, obtained)...)
	}
	return updated
}

func (m *TransactionMonitor) cloneUnconfirmed() map[string][]string {
	clone := make(map[string][]string, len(m.unconfirmedTxes))
	for txid, scriptHashes := range m.unconfirmedTxes {
		clone[txid] = scriptHashes
	}
	return clone
}

func (m *TransactionMonitor) removeFromHistories(txid string, scriptHashes []string) {
	for _, scriptHash := range scriptHashes {
		record, ok := m.addressHistory[scriptHash]
		if !ok {
			continue
		}
		kept := record.history[:0]
		for _, element := range record.history {
			if element.TxHash != txid {
				kept = append(kept, element)
			}
		}
		record.history = kept
	}
}

// ImportAddresses labels and imports addresses into the node without
// rescanning; used by the initial import at first start.
func ImportAddresses(nodeRPC NodeRPC, addresses []string, logger hclog.Logger) error {
	logger.Info("Importing addresses into the node", "count", len(addresses))
	for _, address := range addresses {
		if err := nodeRPC.ImportAddress(address, AddressesLabel, false); err != nil {
			return errors.Wrap(err, "could not import "+address)
		}
	}
	return nil
}

func decodeTransaction(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, errors.Wrap(err, "could not decode transaction hex")
	}
	tx, err := btcutil.NewTxFromBytes(raw)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse transaction")
	}
	return tx.MsgTx(), nil
}

// containsTx reports whether a history already carries the transaction.
func containsTx(history []HistoryEntry, txid string) bool {
	for _, element := range history {
		if element.TxHash == txid {
			return true
		}
	}
	return false
}

// sortHistory orders confirmed entries ascending by height and keeps
// unconfirmed ones at the end, preserving arrival order among equals.
func sortHistory(history []HistoryEntry) {
	sort.SliceStable(history, func(i, j int) bool {
		hi, hj := history[i].Height, history[j].Height
		if hi <= 0 {
			return false
		}
		if hj <= 0 {
			return true
		}
		return hi < hj
	})
}
