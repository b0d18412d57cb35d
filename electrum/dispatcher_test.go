package electrum

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitwatch/electrum-personal-server/hashes"
	"github.com/bitwatch/electrum-personal-server/headers"
	"github.com/bitwatch/electrum-personal-server/monitor"
	"github.com/bitwatch/electrum-personal-server/rpc"
)

// fakeNode cans the handful of node calls the dispatcher makes directly.
type fakeNode struct {
	walletTxs  map[string]*rpc.WalletTransaction
	rawTxs     map[string]string
	broadcast  string
	broadcastE error
	feeRate    *float64
	relayFee   float64
	mempool    map[string]rpc.MempoolEntry
	blocks     map[int64]*rpc.Block
}

func rpcMiss(message string) *btcjson.RPCError {
	return &btcjson.RPCError{Code: btcjson.ErrRPCInvalidAddressOrKey, Message: message}
}

func (f *fakeNode) BlockHash(height int64) (string, error) {
	if block, ok := f.blocks[height]; ok {
		return block.Hash, nil
	}
	return "", rpcMiss("Block height out of range")
}

func (f *fakeNode) GetBlockHeader(blockHash string) (*rpc.BlockHeader, error) {
	return &rpc.BlockHeader{Hash: blockHash, Height: 100}, nil
}

func (f *fakeNode) GetBlock(blockHash string) (*rpc.Block, error) {
	for _, block := range f.blocks {
		if block.Hash == blockHash {
			return block, nil
		}
	}
	return nil, rpcMiss("Block not found")
}

func (f *fakeNode) BlockchainInfo() (*rpc.BlockchainInfo, error) {
	return &rpc.BlockchainInfo{Blocks: 100, Headers: 100}, nil
}

func (f *fakeNode) NetworkInfo() (*rpc.NetworkInfo, error) {
	return &rpc.NetworkInfo{Subversion: "/Satoshi:27.0.0/", Connections: 8, RelayFee: f.relayFee}, nil
}

func (f *fakeNode) NetTotals() (*rpc.NetTotals, error) {
	return &rpc.NetTotals{TotalBytesRecv: 1024, TotalBytesSent: 2048}, nil
}

func (f *fakeNode) Uptime() (int64, error) { return 3600, nil }

func (f *fakeNode) GetTransaction(txid string) (*rpc.WalletTransaction, error) {
	if tx, ok := f.walletTxs[txid]; ok {
		return tx, nil
	}
	return nil, rpcMiss("Invalid or non-wallet transaction id")
}

func (f *fakeNode) GetRawTransaction(txid, blockHash string) (string, error) {
	if raw, ok := f.rawTxs[txid]; ok {
		return raw, nil
	}
	return "", rpcMiss("No such mempool or blockchain transaction")
}

func (f *fakeNode) GetTxOutProof(txid, blockHash string) (string, error) {
	return "", rpcMiss("Transaction not yet in block")
}

func (f *fakeNode) SendRawTransaction(txHex string) (string, error) {
	return f.broadcast, f.broadcastE
}

func (f *fakeNode) EstimateSmartFee(confTarget int64) (*rpc.EstimateSmartFee, error) {
	return &rpc.EstimateSmartFee{FeeRate: f.feeRate}, nil
}

func (f *fakeNode) RawMempool() (map[string]rpc.MempoolEntry, error) {
	return f.mempool, nil
}

// fakeMonitor is an in-memory Monitor.
type fakeMonitor struct {
	histories map[string][]monitor.HistoryEntry
	subs      map[string]bool
	updates   []string
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		histories: make(map[string][]monitor.HistoryEntry),
		subs:      make(map[string]bool),
	}
}

func (f *fakeMonitor) CheckForUpdatedTxes() []string {
	updates := f.updates
	f.updates = nil
	return updates
}

func (f *fakeMonitor) GetElectrumHistory(scriptHash string) []monitor.HistoryEntry {
	history, ok := f.histories[scriptHash]
	if !ok {
		return nil
	}
	return history
}

func (f *fakeMonitor) GetElectrumHistoryHash(scriptHash string) string {
	entries := make([]hashes.StatusEntry, 0)
	for _, h := range f.histories[scriptHash] {
		entries = append(entries, hashes.StatusEntry{TxHash: h.TxHash, Height: h.Height})
	}
	return hashes.StatusHash(entries)
}

func (f *fakeMonitor) SubscribeAddress(scriptHash string) bool {
	if _, ok := f.histories[scriptHash]; !ok {
		return false
	}
	f.subs[scriptHash] = true
	return true
}

func (f *fakeMonitor) Subscribed(scriptHash string) bool { return f.subs[scriptHash] }

func (f *fakeMonitor) UnsubscribeAllAddresses() {
	f.subs = make(map[string]bool)
}

func (f *fakeMonitor) NumberOfAddresses() int { return len(f.histories) }
func (f *fakeMonitor) NumberOfWallets() int   { return 1 }

// fakeHeaderEngine serves canned encodings.
type fakeHeaderEngine struct {
	raw        *headers.RawHeader
	structured *headers.StructuredHeader
	err        error
	tipChanged bool
}

func (f *fakeHeaderEngine) pick(raw bool) interface{} {
	if raw {
		return f.raw
	}
	return f.structured
}

func (f *fakeHeaderEngine) BlockHeaderAtHeight(height int64, raw bool) (interface{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pick(raw), nil
}

func (f *fakeHeaderEngine) CurrentHeader(raw bool) (string, interface{}, error) {
	return "tiphash", f.pick(raw), nil
}

func (f *fakeHeaderEngine) CheckForNewTip(raw bool) (bool, interface{}, error) {
	changed := f.tipChanged
	f.tipChanged = false
	return changed, f.pick(raw), nil
}

func (f *fakeHeaderEngine) BlockHeadersHex(startHeight int64, count int) (string, int, error) {
	return "", 0, nil
}

func newTestServer(node NodeRPC, mon Monitor, engine HeaderEngine) *Server {
	return NewServer(Config{DonationAddress: "bc1qtestdonation"}, node, mon, engine, hclog.NewNullLogger())
}

func defaultTestServer() (*Server, *fakeNode, *fakeMonitor, *fakeHeaderEngine) {
	node := &fakeNode{
		walletTxs: make(map[string]*rpc.WalletTransaction),
		rawTxs:    make(map[string]string),
	}
	mon := newFakeMonitor()
	engine := &fakeHeaderEngine{
		raw:        &headers.RawHeader{Hex: "00ff", Height: 100},
		structured: &headers.StructuredHeader{BlockHeight: 100},
	}
	return newTestServer(node, mon, engine), node, mon, engine
}

// dispatch runs one request line through the server and returns the raw
// reply line.
func dispatch(t *testing.T, s *Server, sess *session, line string) string {
	client, server := net.Pipe()
	defer client.Close()
	sess.conn = server

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.handleQuery(sess, []byte(line))
		server.Close()
	}()
	reply, _ := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, <-errCh)
	return reply
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func parseReply(t *testing.T, line string) reply {
	var r reply
	require.NoError(t, json.Unmarshal([]byte(line), &r))
	return r
}

func TestServerVersionScalar(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	sess := &session{}
	line := dispatch(t, s, sess, `{"id":1,"method":"server.version","params":["EW","1.4"]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `["ElectrumPersonalServer 0.2.0",1.4]`, string(r.Result))
	assert.Equal(t, 1.4, sess.protocolVersion)
}

func TestServerVersionRange(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	sess := &session{}
	line := dispatch(t, s, sess, `{"id":2,"method":"server.version","params":["EW",["1.1","1.2"]]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `["ElectrumPersonalServer 0.2.0",1.2]`, string(r.Result))
	assert.Equal(t, 1.2, sess.protocolVersion)
}

func TestServerVersionIncompatibleClosesSession(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	sess := &session{}
	err := s.handleQuery(sess, []byte(`{"id":2,"method":"server.version","params":["EW",["1.5","1.5"]]}`))
	assert.Error(t, err)
}

func TestMalformedLineIsFatal(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	err := s.handleQuery(&session{}, []byte(`{"id":`))
	assert.Error(t, err)
}

func TestUnknownMethodIsIgnored(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	err := s.handleQuery(&session{}, []byte(`{"id":9,"method":"server.features","params":[]}`))
	assert.NoError(t, err)
}

func TestServerPing(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	line := dispatch(t, s, &session{}, `{"id":3,"method":"server.ping","params":[]}`)
	r := parseReply(t, line)
	assert.Equal(t, "null", string(r.Result))
}

func TestDonationAddress(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	line := dispatch(t, s, &session{}, `{"id":4,"method":"server.donation_address","params":[]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `"bc1qtestdonation"`, string(r.Result))
}

func TestPeersSubscribe(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	line := dispatch(t, s, &session{}, `{"id":5,"method":"server.peers.subscribe","params":[]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `[]`, string(r.Result))
}

func TestScriptHashSubscribeUnknownRepliesEmptyStatus(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	line := dispatch(t, s, &session{}, `{"id":4,"method":"blockchain.scripthash.subscribe","params":["ab"]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `""`, string(r.Result))
}

func TestScriptHashSubscribeKnownEmpty(t *testing.T) {
	s, _, mon, _ := defaultTestServer()
	mon.histories["ab"] = []monitor.HistoryEntry{}
	line := dispatch(t, s, &session{}, `{"id":4,"method":"blockchain.scripthash.subscribe","params":["ab"]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `""`, string(r.Result))
	assert.True(t, mon.Subscribed("ab"))
}

func TestScriptHashGetHistory(t *testing.T) {
	s, _, mon, _ := defaultTestServer()
	fee := int64(1000)
	mon.histories["ab"] = []monitor.HistoryEntry{
		{Height: 100, TxHash: "cc"},
		{Height: 0, TxHash: "dd", Fee: &fee},
	}
	line := dispatch(t, s, &session{}, `{"id":4,"method":"blockchain.scripthash.get_history","params":["ab"]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `[{"height":100,"tx_hash":"cc"},{"height":0,"tx_hash":"dd","fee":1000}]`, string(r.Result))

	line = dispatch(t, s, &session{}, `{"id":5,"method":"blockchain.scripthash.get_history","params":["zz"]}`)
	r = parseReply(t, line)
	assert.JSONEq(t, `[]`, string(r.Result))
}

func TestTransactionGet(t *testing.T) {
	s, node, _, _ := defaultTestServer()
	node.walletTxs["aa"] = &rpc.WalletTransaction{TxID: "aa", Hex: "0102"}

	line := dispatch(t, s, &session{}, `{"id":5,"method":"blockchain.transaction.get","params":["aa"]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `"0102"`, string(r.Result))

	// unknown txid, no hint
	line = dispatch(t, s, &session{}, `{"id":6,"method":"blockchain.transaction.get","params":["bb"]}`)
	r = parseReply(t, line)
	assert.JSONEq(t, `{"message":"txid not found"}`, string(r.Error))

	// a hint learnt via id_from_pos makes getrawtransaction reachable
	s.txidBlockHash["bb"] = "blockhash"
	node.rawTxs["bb"] = "0304"
	line = dispatch(t, s, &session{}, `{"id":7,"method":"blockchain.transaction.get","params":["bb"]}`)
	r = parseReply(t, line)
	assert.JSONEq(t, `"0304"`, string(r.Result))
}

func TestTransactionGetMerkleFailureIsDeliberatelyInvalid(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	line := dispatch(t, s, &session{}, `{"id":8,"method":"blockchain.transaction.get_merkle","params":["ee",1]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `{"block_height":1,"pos":0,"merkle":["ee"]}`, string(r.Result))
}

func TestTransactionIDFromPos(t *testing.T) {
	s, node, _, _ := defaultTestServer()
	node.blocks = map[int64]*rpc.Block{
		100: {Hash: "bh", Height: 100, Tx: []string{"t0", "t1", "t2"}},
	}
	line := dispatch(t, s, &session{}, `{"id":9,"method":"blockchain.transaction.id_from_pos","params":[100,1]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `"t1"`, string(r.Result))
	assert.Equal(t, "bh", s.txidBlockHash["t1"])

	line = dispatch(t, s, &session{}, `{"id":10,"method":"blockchain.transaction.id_from_pos","params":[100,9]}`)
	r = parseReply(t, line)
	assert.NotEmpty(t, r.Error)
}

func TestTransactionBroadcast(t *testing.T) {
	s, node, _, _ := defaultTestServer()
	node.broadcast = "txid123"
	line := dispatch(t, s, &session{}, `{"id":11,"method":"blockchain.transaction.broadcast","params":["0102"]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `"txid123"`, string(r.Result))

	// node rejections are returned as the result string, not an error
	node.broadcastE = rpcMiss("bad-txns-inputs-missingorspent")
	line = dispatch(t, s, &session{}, `{"id":12,"method":"blockchain.transaction.broadcast","params":["0102"]}`)
	r = parseReply(t, line)
	var result string
	require.NoError(t, json.Unmarshal(r.Result, &result))
	assert.Contains(t, result, "bad-txns-inputs-missingorspent")
}

func TestEstimateFee(t *testing.T) {
	s, node, _, _ := defaultTestServer()
	line := dispatch(t, s, &session{}, `{"id":13,"method":"blockchain.estimatefee","params":[6]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `0.0001`, string(r.Result))

	rate := 0.00025
	node.feeRate = &rate
	line = dispatch(t, s, &session{}, `{"id":14,"method":"blockchain.estimatefee","params":[6]}`)
	r = parseReply(t, line)
	assert.JSONEq(t, `0.00025`, string(r.Result))
}

func TestRelayFee(t *testing.T) {
	s, node, _, _ := defaultTestServer()
	node.relayFee = 0.00001
	line := dispatch(t, s, &session{}, `{"id":15,"method":"blockchain.relayfee","params":[]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `0.00001`, string(r.Result))
}

func TestHeadersSubscribeEncodingRules(t *testing.T) {
	cases := []struct {
		version float64
		params  string
		wantRaw bool
	}{
		{1.1, `[]`, false},
		{1.2, `[]`, false},
		{1.2, `[true]`, true},
		{1.3, `[]`, true},
		{1.3, `[false]`, false},
		{1.4, `[]`, true},
	}
	for _, tc := range cases {
		s, _, _, _ := defaultTestServer()
		sess := &session{protocolVersion: tc.version}
		line := dispatch(t, s, sess,
			`{"id":16,"method":"blockchain.headers.subscribe","params":`+tc.params+`}`)
		r := parseReply(t, line)
		assert.Equal(t, tc.wantRaw, sess.rawHeaders, "version %v params %s", tc.version, tc.params)
		assert.True(t, sess.headersSubscribed)
		if tc.wantRaw {
			assert.JSONEq(t, `{"hex":"00ff","height":100}`, string(r.Result))
		}
	}
}

func TestBlockHeaderOutOfRange(t *testing.T) {
	s, _, _, engine := defaultTestServer()
	engine.err = rpcMiss("Block height out of range")
	line := dispatch(t, s, &session{}, `{"id":17,"method":"blockchain.block.header","params":[99999999]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `{"message":"height 99999999 out of range","code":-1}`, string(r.Error))
}

func TestBlockHeaderRawHex(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	line := dispatch(t, s, &session{}, `{"id":18,"method":"blockchain.block.header","params":[100]}`)
	r := parseReply(t, line)
	assert.JSONEq(t, `"00ff"`, string(r.Result))
}

func TestBlockGetHeaderStructured(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	line := dispatch(t, s, &session{}, `{"id":19,"method":"blockchain.block.get_header","params":[100]}`)
	r := parseReply(t, line)
	var structured headers.StructuredHeader
	require.NoError(t, json.Unmarshal(r.Result, &structured))
	assert.Equal(t, int64(100), structured.BlockHeight)
}

func TestServerBanner(t *testing.T) {
	s, _, _, _ := defaultTestServer()
	line := dispatch(t, s, &session{}, `{"id":20,"method":"server.banner","params":[]}`)
	r := parseReply(t, line)
	var banner string
	require.NoError(t, json.Unmarshal(r.Result, &banner))
	assert.Contains(t, banner, "Welcome to Electrum Personal Server")
	assert.Contains(t, banner, "/Satoshi:27.0.0/")
	assert.Contains(t, banner, "bc1qtestdonation")
}

func TestConnectedHeartbeatPushes(t *testing.T) {
	s, _, mon, engine := defaultTestServer()
	mon.histories["ab"] = []monitor.HistoryEntry{{Height: 100, TxHash: "cc"}}
	mon.SubscribeAddress("ab")
	mon.updates = []string{"ab"}
	engine.tipChanged = true

	sess := &session{headersSubscribed: true, rawHeaders: true}
	client, server := net.Pipe()
	defer client.Close()
	sess.conn = server

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.onHeartbeatConnected(sess)
		server.Close()
	}()

	reader := bufio.NewReader(client)
	first, err := reader.ReadString('\n')
	require.NoError(t, err)
	second, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	// headers push first, then the scripthash update
	headerPush := parseReply(t, first)
	assert.Equal(t, "blockchain.headers.subscribe", headerPush.Method)
	scriptPush := parseReply(t, second)
	assert.Equal(t, "blockchain.scripthash.subscribe", scriptPush.Method)
	var params []string
	require.NoError(t, json.Unmarshal(scriptPush.Params, &params))
	assert.Equal(t, "ab", params[0])
	assert.Equal(t, mon.GetElectrumHistoryHash("ab"), params[1])
}

func TestQuietHeartbeatPushesNothing(t *testing.T) {
	s, _, mon, _ := defaultTestServer()
	mon.histories["ab"] = []monitor.HistoryEntry{}
	mon.SubscribeAddress("ab")

	sess := &session{headersSubscribed: true}
	client, server := net.Pipe()
	defer client.Close()
	sess.conn = server

	done := make(chan error, 1)
	go func() { done <- s.onHeartbeatConnected(sess) }()
	require.NoError(t, <-done)
	// nothing was written: the pipe would have blocked otherwise
}

func TestUpdatedButUnsubscribedScriptIsNotPushed(t *testing.T) {
	s, _, mon, _ := defaultTestServer()
	mon.histories["ab"] = []monitor.HistoryEntry{{Height: 1, TxHash: "cc"}}
	mon.updates = []string{"ab"} // changed but never subscribed

	sess := &session{}
	client, server := net.Pipe()
	defer client.Close()
	sess.conn = server

	done := make(chan error, 1)
	go func() { done <- s.onHeartbeatConnected(sess) }()
	require.NoError(t, <-done)
}
