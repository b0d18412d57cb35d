package electrum

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/bitwatch/electrum-personal-server/hashes"
	"github.com/bitwatch/electrum-personal-server/headers"
	"github.com/bitwatch/electrum-personal-server/merkleproof"
	"github.com/bitwatch/electrum-personal-server/monitor"
)

// retargetInterval is bitcoin's difficulty adjustment window, also the cap
// on a single headers chunk.
const retargetInterval = 2016

type request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type responseMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

type errorMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   interface{}     `json:"error"`
}

type updateMessage struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type protocolError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

func (s *Server) send(sess *session, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "could not marshal reply")
	}
	s.log.Debug("<= " + string(body))
	_, err = sess.conn.Write(append(body, '\n'))
	if err != nil {
		return errors.Wrap(err, "could not write to wallet socket")
	}
	return nil
}

func (s *Server) sendResponse(sess *session, id json.RawMessage, result interface{}) error {
	return s.send(sess, responseMessage{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(sess *session, id json.RawMessage, errObj interface{}) error {
	return s.send(sess, errorMessage{JSONRPC: "2.0", ID: id, Error: errObj})
}

func (s *Server) sendUpdate(sess *session, method string, params interface{}) error {
	return s.send(sess, updateMessage{JSONRPC: "2.0", Method: method, Params: params})
}

// handleQuery parses and dispatches one request line. A returned error
// ends the session; per-method failures are answered on the wire instead.
func (s *Server) handleQuery(sess *session, line []byte) error {
	s.log.Debug("=> " + string(line))
	var query request
	if err := json.Unmarshal(line, &query); err != nil {
		return errors.Wrap(err, "malformed request line")
	}

	switch query.Method {
	case "server.version":
		return s.serverVersion(sess, query)
	case "server.ping":
		return s.sendResponse(sess, query.ID, nil)
	case "server.banner":
		return s.serverBanner(sess, query)
	case "server.donation_address":
		return s.sendResponse(sess, query.ID, s.cfg.DonationAddress)
	case "server.peers.subscribe":
		return s.sendResponse(sess, query.ID, []interface{}{})
	case "blockchain.headers.subscribe":
		return s.headersSubscribe(sess, query)
	case "blockchain.block.header":
		return s.blockHeader(sess, query)
	case "blockchain.block.get_header":
		return s.blockGetHeader(sess, query)
	case "blockchain.block.headers":
		return s.blockHeaders(sess, query)
	case "blockchain.block.get_chunk":
		return s.blockGetChunk(sess, query)
	case "blockchain.transaction.get":
		return s.transactionGet(sess, query)
	case "blockchain.transaction.get_merkle":
		return s.transactionGetMerkle(sess, query)
	case "blockchain.transaction.id_from_pos":
		return s.transactionIDFromPos(sess, query)
	case "blockchain.transaction.broadcast":
		return s.transactionBroadcast(sess, query)
	case "blockchain.scripthash.subscribe":
		return s.scriptHashSubscribe(sess, query)
	case "blockchain.scripthash.get_history":
		return s.scriptHashGetHistory(sess, query)
	case "blockchain.estimatefee":
		return s.estimateFee(sess, query)
	case "blockchain.relayfee":
		return s.relayFee(sess, query)
	case "mempool.get_fee_histogram":
		return s.feeHistogram(sess, query)
	default:
		s.log.Error("*** BUG! Not handling method", "method", query.Method)
		return nil
	}
}

// serverVersion negotiates the protocol version. The second parameter is
// either a single version or a [min, max] range. An incompatible client
// gets its connection closed.
func (s *Server) serverVersion(sess *session, query request) error {
	clientMin, clientMax := protocolVersionMin, protocolVersionMax
	if len(query.Params) > 1 {
		var err error
		clientMin, clientMax, err = parseVersionParam(query.Params[1])
		if err != nil {
			return err
		}
	}
	negotiated := math.Min(clientMax, protocolVersionMax)
	if negotiated < math.Max(clientMin, protocolVersionMin) {
		s.log.Error("*** Client protocol version not supported, update needed",
			"min", clientMin, "max", clientMax)
		return errors.New("incompatible protocol version")
	}
	sess.protocolVersion = negotiated
	return s.sendResponse(sess, query.ID,
		[]interface{}{ServerName + " " + ServerVersionNumber, negotiated})
}

// parseVersionParam accepts "1.4", 1.4 or ["1.1", "1.4"].
func parseVersionParam(raw json.RawMessage) (float64, float64, error) {
	single, err := parseVersionScalar(raw)
	if err == nil {
		return single, single, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil || len(list) != 2 {
		return 0, 0, errors.New("unparseable protocol version")
	}
	low, err := parseVersionScalar(list[0])
	if err != nil {
		return 0, 0, err
	}
	high, err := parseVersionScalar(list[1])
	if err != nil {
		return 0, 0, err
	}
	return low, high, nil
}

func parseVersionScalar(raw json.RawMessage) (float64, error) {
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, errors.New("unparseable protocol version")
	}
	var parsed float64
	if _, err := fmt.Sscanf(text, "%f", &parsed); err != nil {
		return 0, errors.New("unparseable protocol version")
	}
	return parsed, nil
}

const bannerTemplate = `Welcome to Electrum Personal Server %s

Monitoring %d deterministic wallets, in total %d addresses.

Connected bitcoin node: %s
Peers: %d
Uptime: %s
Blocksonly: %t
Pruning: %t
Download: %s
Upload: %s

Donate to help make Electrum Personal Server even better:
%s

`

func (s *Server) serverBanner(sess *session, query request) error {
	networkInfo, err := s.rpc.NetworkInfo()
	if err != nil {
		return s.sendResponse(sess, query.ID, ServerName+" "+ServerVersionNumber)
	}
	blockchainInfo, err := s.rpc.BlockchainInfo()
	if err != nil {
		return s.sendResponse(sess, query.ID, ServerName+" "+ServerVersionNumber)
	}
	uptime, err := s.rpc.Uptime()
	if err != nil {
		return s.sendResponse(sess, query.ID, ServerName+" "+ServerVersionNumber)
	}
	netTotals, err := s.rpc.NetTotals()
	if err != nil {
		return s.sendResponse(sess, query.ID, ServerName+" "+ServerVersionNumber)
	}
	banner := fmt.Sprintf(bannerTemplate,
		ServerVersionNumber,
		s.monitor.NumberOfWallets(),
		s.monitor.NumberOfAddresses(),
		networkInfo.Subversion,
		networkInfo.Connections,
		(time.Duration(uptime) * time.Second).String(),
		!networkInfo.LocalRelay,
		blockchainInfo.Pruned,
		hashes.BytesFmt(float64(netTotals.TotalBytesRecv)),
		hashes.BytesFmt(float64(netTotals.TotalBytesSent)),
		s.cfg.DonationAddress)
	return s.sendResponse(sess, query.ID, banner)
}

// headersSubscribe turns on tip pushes. Whether headers are sent raw
// follows the negotiated protocol: 1.4 always raw, 1.2/1.3 as requested
// (defaulting to their protocol's flavour), 1.1 structured.
func (s *Server) headersSubscribe(sess *session, query request) error {
	switch sess.protocolVersion {
	case 1.2, 1.3:
		if len(query.Params) > 0 {
			raw, err := paramBool(query.Params[0])
			if err == nil {
				sess.rawHeaders = raw
			}
		} else {
			sess.rawHeaders = sess.protocolVersion == 1.3
		}
	case 1.4:
		sess.rawHeaders = true
	}
	s.log.Debug("headers subscription", "raw", sess.rawHeaders)
	sess.headersSubscribed = true
	_, header, err := s.headers.CurrentHeader(sess.rawHeaders)
	if err != nil {
		return errors.Wrap(err, "could not fetch the current header")
	}
	return s.sendResponse(sess, query.ID, header)
}

func (s *Server) blockHeader(sess *session, query request) error {
	height, err := paramInt64(query.Params, 0)
	if err != nil {
		return err
	}
	header, herr := s.headers.BlockHeaderAtHeight(height, true)
	if herr != nil {
		return s.sendError(sess, query.ID, protocolError{
			Message: fmt.Sprintf("height %d out of range", height),
			Code:    -1,
		})
	}
	raw, ok := header.(*headers.RawHeader)
	if !ok {
		return errors.New("header engine returned an unexpected encoding")
	}
	return s.sendResponse(sess, query.ID, raw.Hex)
}

// blockGetHeader is deprecated as of protocol 1.3 and only ever returns
// the structured form.
func (s *Server) blockGetHeader(sess *session, query request) error {
	height, err := paramInt64(query.Params, 0)
	if err != nil {
		return err
	}
	header, herr := s.headers.BlockHeaderAtHeight(height, false)
	if herr != nil {
		return s.sendError(sess, query.ID, protocolError{
			Message: fmt.Sprintf("height %d out of range", height),
			Code:    -1,
		})
	}
	return s.sendResponse(sess, query.ID, header)
}

func (s *Server) blockHeaders(sess *session, query request) error {
	startHeight, err := paramInt64(query.Params, 0)
	if err != nil {
		return err
	}
	count, err := paramInt64(query.Params, 1)
	if err != nil {
		return err
	}
	if count > retargetInterval {
		count = retargetInterval
	}
	headersHex, n, herr := s.headers.BlockHeadersHex(startHeight, int(count))
	if herr != nil {
		s.log.Warn("could not fetch headers", "err", herr)
		headersHex, n = "", 0
	}
	return s.sendResponse(sess, query.ID, map[string]interface{}{
		"hex":   headersHex,
		"count": n,
		"max":   retargetInterval,
	})
}

func (s *Server) blockGetChunk(sess *session, query request) error {
	index, err := paramInt64(query.Params, 0)
	if err != nil {
		return err
	}
	info, berr := s.rpc.BlockchainInfo()
	if berr != nil {
		return s.sendResponse(sess, query.ID, "")
	}
	nextHeight := info.Headers + 1
	startHeight := index * retargetInterval
	if startHeight > nextHeight {
		startHeight = nextHeight
	}
	count := nextHeight - startHeight
	if count > retargetInterval {
		count = retargetInterval
	}
	headersHex, _, herr := s.headers.BlockHeadersHex(startHeight, int(count))
	if herr != nil {
		headersHex = ""
	}
	return s.sendResponse(sess, query.ID, headersHex)
}

func (s *Server) transactionGet(sess *session, query request) error {
	txid, err := paramString(query.Params, 0)
	if err != nil {
		return err
	}
	if walletTx, werr := s.rpc.GetTransaction(txid); werr == nil {
		return s.sendResponse(sess, query.ID, walletTx.Hex)
	}
	if blockHash, ok := s.txidBlockHash[txid]; ok {
		if txHex, rerr := s.rpc.GetRawTransaction(txid, blockHash); rerr == nil {
			return s.sendResponse(sess, query.ID, txHex)
		}
	}
	return s.sendError(sess, query.ID, protocolError{Message: "txid not found"})
}

// transactionGetMerkle computes the Electrum merkle proof of a confirmed
// transaction. Any failure is answered with a deliberately invalid proof,
// which the wallet tolerates without disconnecting.
func (s *Server) transactionGetMerkle(sess *session, query request) error {
	txid, err := paramString(query.Params, 0)
	if err != nil {
		return err
	}
	reply, merr := s.merkleProofFor(txid)
	if merr != nil {
		s.log.Warn("merkle proof failed", "txid", txid, "err", merr)
		reply = map[string]interface{}{
			"block_height": 1,
			"pos":          0,
			"merkle":       []string{txid},
		}
	}
	return s.sendResponse(sess, query.ID, reply)
}

func (s *Server) merkleProofFor(txid string) (interface{}, error) {
	walletTx, err := s.rpc.GetTransaction(txid)
	if err != nil {
		return nil, err
	}
	coreProof, err := s.rpc.GetTxOutProof(txid, walletTx.BlockHash)
	if err != nil {
		return nil, err
	}
	proof, err := merkleproof.Convert(coreProof)
	if err != nil {
		return nil, err
	}
	impliedRoot, err := hashes.MerkleRootFromBranch(txid, proof.Pos, proof.Merkle)
	if err != nil {
		return nil, err
	}
	if impliedRoot != proof.MerkleRoot {
		return nil, errors.New("merkle branch does not recombine to the root")
	}
	header, err := s.rpc.GetBlockHeader(walletTx.BlockHash)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"block_height": header.Height,
		"pos":          proof.Pos,
		"merkle":       proof.Merkle,
	}, nil
}

func (s *Server) transactionIDFromPos(sess *session, query request) error {
	height, err := paramInt64(query.Params, 0)
	if err != nil {
		return err
	}
	position, err := paramInt64(query.Params, 1)
	if err != nil {
		return err
	}
	wantMerkle := false
	if len(query.Params) > 2 {
		wantMerkle, _ = paramBool(query.Params[2])
	}

	blockHash, berr := s.rpc.BlockHash(height)
	if berr != nil {
		return s.sendError(sess, query.ID, protocolError{Message: berr.Error()})
	}
	block, berr := s.rpc.GetBlock(blockHash)
	if berr != nil {
		return s.sendError(sess, query.ID, protocolError{Message: berr.Error()})
	}
	if position < 0 || position >= int64(len(block.Tx)) {
		return s.sendError(sess, query.ID, protocolError{
			Message: fmt.Sprintf("no tx at position %d in block %d", position, height),
		})
	}
	txid := block.Tx[position]
	s.txidBlockHash[txid] = blockHash

	if !wantMerkle {
		return s.sendResponse(sess, query.ID, txid)
	}
	coreProof, perr := s.rpc.GetTxOutProof(txid, blockHash)
	if perr != nil {
		return s.sendError(sess, query.ID, protocolError{Message: perr.Error()})
	}
	proof, perr := merkleproof.Convert(coreProof)
	if perr != nil {
		return s.sendError(sess, query.ID, protocolError{Message: perr.Error()})
	}
	return s.sendResponse(sess, query.ID, map[string]interface{}{
		"tx_hash": txid,
		"merkle":  proof.Merkle,
	})
}

// transactionBroadcast relays a transaction. A node-side rejection is
// reported as the result string so the wallet displays it.
func (s *Server) transactionBroadcast(sess *session, query request) error {
	txHex, err := paramString(query.Params, 0)
	if err != nil {
		return err
	}
	result, berr := s.rpc.SendRawTransaction(txHex)
	if berr != nil {
		result = berr.Error()
	}
	s.log.Debug("tx broadcast result", "result", result)
	return s.sendResponse(sess, query.ID, result)
}

func (s *Server) scriptHashSubscribe(sess *session, query request) error {
	scriptHash, err := paramString(query.Params, 0)
	if err != nil {
		return err
	}
	var historyHash string
	if s.monitor.SubscribeAddress(scriptHash) {
		historyHash = s.monitor.GetElectrumHistoryHash(scriptHash)
	} else {
		s.log.Warn("Address not known to server. This means Electrum is " +
			"requesting information about addresses that are missing from " +
			"the configuration file, hash(address) = " + scriptHash)
		historyHash = hashes.StatusHash(nil)
	}
	return s.sendResponse(sess, query.ID, historyHash)
}

func (s *Server) scriptHashGetHistory(sess *session, query request) error {
	scriptHash, err := paramString(query.Params, 0)
	if err != nil {
		return err
	}
	history := s.monitor.GetElectrumHistory(scriptHash)
	if history == nil {
		s.log.Warn("Address history not known to server, hash(address) = " + scriptHash)
		history = []monitor.HistoryEntry{}
	}
	return s.sendResponse(sess, query.ID, history)
}

func (s *Server) estimateFee(sess *session, query request) error {
	confTarget, err := paramInt64(query.Params, 0)
	if err != nil {
		return err
	}
	feeRate := 0.0001
	if estimate, eerr := s.rpc.EstimateSmartFee(confTarget); eerr == nil && estimate.FeeRate != nil {
		feeRate = *estimate.FeeRate
	}
	return s.sendResponse(sess, query.ID, feeRate)
}

func (s *Server) relayFee(sess *session, query request) error {
	networkInfo, err := s.rpc.NetworkInfo()
	if err != nil {
		return s.sendResponse(sess, query.ID, 0.0)
	}
	return s.sendResponse(sess, query.ID, networkInfo.RelayFee)
}

func (s *Server) feeHistogram(sess *session, query request) error {
	mempool, err := s.rpc.RawMempool()
	if err != nil {
		s.log.Warn("could not fetch the mempool", "err", err)
		return s.sendResponse(sess, query.ID, [][2]int64{})
	}
	return s.sendResponse(sess, query.ID, feeHistogramFromMempool(mempool))
}

func paramString(params []json.RawMessage, index int) (string, error) {
	if index >= len(params) {
		return "", errors.Errorf("missing parameter %d", index)
	}
	var value string
	if err := json.Unmarshal(params[index], &value); err != nil {
		return "", errors.Wrapf(err, "parameter %d is not a string", index)
	}
	return value, nil
}

func paramInt64(params []json.RawMessage, index int) (int64, error) {
	if index >= len(params) {
		return 0, errors.Errorf("missing parameter %d", index)
	}
	var value int64
	if err := json.Unmarshal(params[index], &value); err != nil {
		return 0, errors.Wrapf(err, "parameter %d is not an integer", index)
	}
	return value, nil
}

func paramBool(raw json.RawMessage) (bool, error) {
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return false, errors.Wrap(err, "parameter is not a boolean")
	}
	return value, nil
}
