// Package rpc is a thin client for the bitcoin node's JSON-RPC interface,
// HTTP POST with basic auth. Result decoding is done here so the rest of
// the server deals in typed values; node-side failures surface as
// *btcjson.RPCError.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Client wraps the node connection.
type Client struct {
	client *rpcclient.Client
	log    hclog.Logger
}

// New connects to the node at host:port with basic auth credentials. A
// non-empty walletFile routes wallet RPC calls to that specific wallet.
//
// NOTE: the client is assumed to be connecting to a personal node, hence
// it disables TLS for now
func New(host string, port int, user, pass, walletFile string, logger hclog.Logger) (*Client, error) {
	hostPort := fmt.Sprintf("%s:%d", host, port)
	if walletFile != "" {
		hostPort += "/wallet/" + walletFile
	}
	connCfg := &rpcclient.ConnConfig{
		Host:         hostPort,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true, // bitcoind only supports HTTP POST mode
		DisableTLS:   true,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not create the node RPC client")
	}
	return &Client{client: client, log: logger}, nil
}

// call runs an arbitrary RPC method and decodes the result into result,
// unless result is nil. Node errors come back as *btcjson.RPCError.
func (c *Client) call(method string, result interface{}, params ...interface{}) error {
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return errors.Wrapf(err, "could not marshal %s params", method)
		}
		rawParams = append(rawParams, b)
	}
	resp, err := c.client.RawRequest(method, rawParams)
	if err != nil {
		c.log.Trace("node rpc failed", "method", method, "err", err)
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp, result); err != nil {
		return errors.Wrapf(err, "could not decode %s result", method)
	}
	return nil
}

// AsRPCError unwraps a node-side JSON-RPC error, if err carries one.
func AsRPCError(err error) (*btcjson.RPCError, bool) {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

func (c *Client) BestBlockHash() (string, error) {
	var hash string
	err := c.call("getbestblockhash", &hash)
	return hash, err
}

func (c *Client) BlockHash(height int64) (string, error) {
	var hash string
	err := c.call("getblockhash", &hash, height)
	return hash, err
}

// BlockHeader is the node's verbose getblockheader result.
type BlockHeader struct {
	Hash              string `json:"hash"`
	Confirmations     int64  `json:"confirmations"`
	Height            int64  `json:"height"`
	Version           int32  `json:"version"`
	MerkleRoot        string `json:"merkleroot"`
	Time              uint32 `json:"time"`
	Nonce             uint32 `json:"nonce"`
	Bits              string `json:"bits"`
	PreviousBlockHash string `json:"previousblockhash"`
	NextBlockHash     string `json:"nextblockhash"`
}

func (c *Client) GetBlockHeader(blockHash string) (*BlockHeader, error) {
	var header BlockHeader
	if err := c.call("getblockheader", &header, blockHash); err != nil {
		return nil, err
	}
	return &header, nil
}

// Block is the verbosity-1 getblock result: header fields plus txids.
type Block struct {
	Hash   string   `json:"hash"`
	Height int64    `json:"height"`
	Tx     []string `json:"tx"`
}

func (c *Client) GetBlock(blockHash string) (*Block, error) {
	var block Block
	if err := c.call("getblock", &block, blockHash, 1); err != nil {
		return nil, err
	}
	return &block, nil
}

type BlockchainInfo struct {
	Blocks               int64 `json:"blocks"`
	Headers              int64 `json:"headers"`
	Pruned               bool  `json:"pruned"`
	InitialBlockDownload bool  `json:"initialblockdownload"`
}

func (c *Client) BlockchainInfo() (*BlockchainInfo, error) {
	var info BlockchainInfo
	if err := c.call("getblockchaininfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type NetworkInfo struct {
	Version     int64   `json:"version"`
	Subversion  string  `json:"subversion"`
	Connections int64   `json:"connections"`
	LocalRelay  bool    `json:"localrelay"`
	RelayFee    float64 `json:"relayfee"`
}

func (c *Client) NetworkInfo() (*NetworkInfo, error) {
	var info NetworkInfo
	if err := c.call("getnetworkinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type NetTotals struct {
	TotalBytesRecv uint64 `json:"totalbytesrecv"`
	TotalBytesSent uint64 `json:"totalbytessent"`
}

func (c *Client) NetTotals() (*NetTotals, error) {
	var totals NetTotals
	if err := c.call("getnettotals", &totals); err != nil {
		return nil, err
	}
	return &totals, nil
}

func (c *Client) Uptime() (int64, error) {
	var uptime int64
	err := c.call("uptime", &uptime)
	return uptime, err
}

// WalletTransaction is the wallet's view of a transaction, gettransaction.
type WalletTransaction struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex"`
	BlockHash     string `json:"blockhash"`
	Confirmations int64  `json:"confirmations"`
	Time          int64  `json:"time"`
}

func (c *Client) GetTransaction(txid string) (*WalletTransaction, error) {
	var tx WalletTransaction
	if err := c.call("gettransaction", &tx, txid, true); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetRawTransaction fetches the hex of any transaction. A non-empty
// blockHash lets a pruned or txindex-less node find it.
func (c *Client) GetRawTransaction(txid, blockHash string) (string, error) {
	var txHex string
	var err error
	if blockHash == "" {
		err = c.call("getrawtransaction", &txHex, txid, false)
	} else {
		err = c.call("getrawtransaction", &txHex, txid, false, blockHash)
	}
	return txHex, err
}

func (c *Client) GetTxOutProof(txid, blockHash string) (string, error) {
	var proof string
	err := c.call("gettxoutproof", &proof, []string{txid}, blockHash)
	return proof, err
}

func (c *Client) SendRawTransaction(txHex string) (string, error) {
	var txid string
	err := c.call("sendrawtransaction", &txid, txHex)
	return txid, err
}

// EstimateSmartFee is the estimatesmartfee result; FeeRate is absent when
// the node has no estimate yet.
type EstimateSmartFee struct {
	FeeRate *float64 `json:"feerate"`
}

func (c *Client) EstimateSmartFee(confTarget int64) (*EstimateSmartFee, error) {
	var estimate EstimateSmartFee
	if err := c.call("estimatesmartfee", &estimate, confTarget); err != nil {
		return nil, err
	}
	return &estimate, nil
}

// MempoolEntry is one entry of the verbose getrawmempool result. Older
// nodes report size/fee at the top level, newer ones vsize/fees.base.
type MempoolEntry struct {
	Size  int64   `json:"size"`
	Vsize int64   `json:"vsize"`
	Fee   float64 `json:"fee"`
	Fees  struct {
		Base float64 `json:"base"`
	} `json:"fees"`
}

// VirtualSize returns the entry's virtual size whichever field carried it.
func (e MempoolEntry) VirtualSize() int64 {
	if e.Vsize > 0 {
		return e.Vsize
	}
	return e.Size
}

// BaseFee returns the entry's fee in BTC whichever field carried it.
func (e MempoolEntry) BaseFee() float64 {
	if e.Fee > 0 {
		return e.Fee
	}
	return e.Fees.Base
}

func (c *Client) RawMempool() (map[string]MempoolEntry, error) {
	mempool := make(map[string]MempoolEntry)
	if err := c.call("getrawmempool", &mempool, true); err != nil {
		return nil, err
	}
	return mempool, nil
}

// GetMempoolEntry probes whether a transaction is still in the mempool.
func (c *Client) GetMempoolEntry(txid string) (*MempoolEntry, error) {
	var entry MempoolEntry
	if err := c.call("getmempoolentry", &entry, txid); err != nil {
		return nil, err
	}
	return &entry, nil
}

// TransactionListEntry is one row of listtransactions.
type TransactionListEntry struct {
	Address       string `json:"address"`
	Category      string `json:"category"`
	TxID          string `json:"txid"`
	Confirmations int64  `json:"confirmations"`
	BlockHash     string `json:"blockhash"`
}

// ListTransactions returns the wallet's most recent transactions including
// watch-only ones, oldest first.
func (c *Client) ListTransactions(count, skip int) ([]TransactionListEntry, error) {
	var entries []TransactionListEntry
	if err := c.call("listtransactions", &entries, "*", count, skip, true); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) ImportAddress(address, label string, rescan bool) error {
	return c.call("importaddress", nil, address, label, rescan)
}

func (c *Client) ListLabels() ([]string, error) {
	var labels []string
	if err := c.call("listlabels", &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

// AddressesByLabel returns the addresses carrying the given label.
func (c *Client) AddressesByLabel(label string) ([]string, error) {
	byLabel := make(map[string]json.RawMessage)
	if err := c.call("getaddressesbylabel", &byLabel, label); err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(byLabel))
	for addr := range byLabel {
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// AddressesByAccount is the pre-0.17 accounts flavour of AddressesByLabel.
func (c *Client) AddressesByAccount(account string) ([]string, error) {
	var addrs []string
	if err := c.call("getaddressesbyaccount", &addrs, account); err != nil {
		return nil, err
	}
	return addrs, nil
}

// ListUnspent is only used as a probe for whether the node was built with
// wallet support at all; the result itself is discarded.
func (c *Client) ListUnspent() error {
	var ignored json.RawMessage
	return c.call("listunspent", &ignored)
}

func (c *Client) RescanBlockchain(startHeight int64) error {
	return c.call("rescanblockchain", nil, startHeight)
}
