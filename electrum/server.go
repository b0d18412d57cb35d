// Package electrum implements the wallet-facing side of the server: a
// single-session TLS listener speaking newline-delimited JSON-RPC, the
// Electrum subset method table, and the two heartbeats that drive polling
// and push notifications.
package electrum

import (
	"bytes"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/bitwatch/electrum-personal-server/headers"
	"github.com/bitwatch/electrum-personal-server/monitor"
	"github.com/bitwatch/electrum-personal-server/rpc"
)

const (
	// ServerName is sent in the server.version reply and the banner.
	ServerName = "ElectrumPersonalServer"
	// ServerVersionNumber is this server's release number.
	ServerVersionNumber = "0.2.0"

	protocolVersionMax = 1.4
	protocolVersionMin = 1.1

	// DefaultDonationAddress is served when the config sets no other.
	DefaultDonationAddress = "bc1q5d8l0w33h65e2l5x7ty6wgnvkvlqcz0wfaslpz"

	// maxLineLength bounds the receive buffer; a wallet line longer than
	// this is treated as an I/O failure.
	maxLineLength = 1 << 20

	// reconnectPause is slept after a session ends before accepting again.
	reconnectPause = 200 * time.Millisecond
)

// NodeRPC is the slice of the node client the dispatcher calls directly.
type NodeRPC interface {
	BlockHash(height int64) (string, error)
	GetBlockHeader(blockHash string) (*rpc.BlockHeader, error)
	GetBlock(blockHash string) (*rpc.Block, error)
	BlockchainInfo() (*rpc.BlockchainInfo, error)
	NetworkInfo() (*rpc.NetworkInfo, error)
	NetTotals() (*rpc.NetTotals, error)
	Uptime() (int64, error)
	GetTransaction(txid string) (*rpc.WalletTransaction, error)
	GetRawTransaction(txid, blockHash string) (string, error)
	GetTxOutProof(txid, blockHash string) (string, error)
	SendRawTransaction(txHex string) (string, error)
	EstimateSmartFee(confTarget int64) (*rpc.EstimateSmartFee, error)
	RawMempool() (map[string]rpc.MempoolEntry, error)
}

// Monitor is the transaction monitor as seen from the session loop.
type Monitor interface {
	CheckForUpdatedTxes() []string
	GetElectrumHistory(scriptHash string) []monitor.HistoryEntry
	GetElectrumHistoryHash(scriptHash string) string
	SubscribeAddress(scriptHash string) bool
	Subscribed(scriptHash string) bool
	UnsubscribeAllAddresses()
	NumberOfAddresses() int
	NumberOfWallets() int
}

// HeaderEngine is the header engine as seen from the session loop.
type HeaderEngine interface {
	BlockHeaderAtHeight(height int64, raw bool) (interface{}, error)
	CurrentHeader(raw bool) (string, interface{}, error)
	CheckForNewTip(raw bool) (bool, interface{}, error)
	BlockHeadersHex(startHeight int64, count int) (string, int, error)
}

// Config carries the listener parameters.
type Config struct {
	Host                  string
	Port                  int
	Whitelist             []*net.IPNet
	TLSCertificate        tls.Certificate
	PollIntervalListening time.Duration
	PollIntervalConnected time.Duration
	DonationAddress       string
}

// Server accepts one wallet session at a time and serves it.
type Server struct {
	cfg     Config
	rpc     NodeRPC
	monitor Monitor
	headers HeaderEngine
	log     hclog.Logger

	// txid => block hash hints learnt via id_from_pos, kept for the
	// process lifetime so transaction.get works on pruned nodes
	txidBlockHash map[string]string
}

// NewServer wires the dispatcher to its engines.
func NewServer(cfg Config, nodeRPC NodeRPC, txMonitor Monitor, headerEngine HeaderEngine, logger hclog.Logger) *Server {
	if cfg.DonationAddress == "" {
		cfg.DonationAddress = DefaultDonationAddress
	}
	return &Server{
		cfg:           cfg,
		rpc:           nodeRPC,
		monitor:       txMonitor,
		headers:       headerEngine,
		log:           logger,
		txidBlockHash: make(map[string]string),
	}
}

var _ HeaderEngine = (*headers.Engine)(nil)

// session is the state of one accepted connection.
type session struct {
	conn              net.Conn
	protocolVersion   float64
	rawHeaders        bool
	headersSubscribed bool
}

// Run binds the listening socket and serves forever. Accept timeouts fire
// the listening heartbeat; each accepted connection is served to
// completion before the next accept.
func (s *Server) Run() error {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return errors.Wrap(err, "could not resolve listen address")
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "could not bind listening socket")
	}
	defer listener.Close()
	s.log.Info("Listening for Electrum Wallet", "addr", addr.String())

	for {
		if err := listener.SetDeadline(time.Now().Add(s.cfg.PollIntervalListening)); err != nil {
			return errors.Wrap(err, "could not arm accept deadline")
		}
		conn, err := listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.log.Debug("on heartbeat listening")
				s.monitor.CheckForUpdatedTxes()
				continue
			}
			return errors.Wrap(err, "accept failed")
		}
		if !s.whitelisted(conn.RemoteAddr()) {
			s.log.Debug("peer not in whitelist, closing", "peer", conn.RemoteAddr())
			conn.Close()
			continue
		}
		s.serveConnection(tls.Server(conn, &tls.Config{
			Certificates: []tls.Certificate{s.cfg.TLSCertificate},
		}))
		time.Sleep(reconnectPause)
	}
}

func (s *Server) whitelisted(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range s.cfg.Whitelist {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// serveConnection runs one session until the wallet disconnects or an I/O
// error occurs. Read timeouts fire the connected heartbeat.
func (s *Server) serveConnection(conn net.Conn) {
	sess := &session{conn: conn}
	s.log.Info("Electrum connected", "peer", conn.RemoteAddr())
	defer func() {
		conn.Close()
		s.onDisconnect(sess)
	}()

	var buffer []byte
	chunk := make([]byte, 4096)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PollIntervalConnected)); err != nil {
			s.log.Error("could not arm read deadline", "err", err)
			return
		}
		n, err := conn.Read(chunk)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if herr := s.onHeartbeatConnected(sess); herr != nil {
					s.log.Error("heartbeat failed", "err", herr)
					return
				}
				continue
			}
			s.log.Info("Electrum wallet disconnected", "reason", err)
			return
		}
		buffer = append(buffer, chunk[:n]...)
		if len(buffer) > maxLineLength {
			s.log.Error("request line too long, dropping session")
			return
		}
		for {
			newline := bytes.IndexByte(buffer, '\n')
			if newline < 0 {
				break
			}
			line := append([]byte(nil), bytes.TrimSpace(buffer[:newline])...)
			buffer = append(buffer[:0], buffer[newline+1:]...)
			if len(line) == 0 {
				continue
			}
			if err := s.handleQuery(sess, line); err != nil {
				s.log.Error("session error", "err", err)
				return
			}
		}
	}
}

func (s *Server) onDisconnect(sess *session) {
	sess.headersSubscribed = false
	s.monitor.UnsubscribeAllAddresses()
}

// onHeartbeatConnected checks the tip and the monitored scripts and pushes
// the subscribed updates: headers first, then script hashes. Node-side
// failures are logged and skipped; only a socket write failure ends the
// session.
func (s *Server) onHeartbeatConnected(sess *session) error {
	s.log.Debug("on heartbeat connected")
	tipChanged, header, err := s.headers.CheckForNewTip(sess.rawHeaders)
	if err != nil {
		s.log.Warn("could not check the blockchain tip", "err", err)
	} else if tipChanged {
		s.log.Debug("Blockchain tip updated")
		if sess.headersSubscribed {
			if err := s.sendUpdate(sess, "blockchain.headers.subscribe", []interface{}{header}); err != nil {
				return err
			}
		}
	}
	for _, scriptHash := range s.monitor.CheckForUpdatedTxes() {
		if !s.monitor.Subscribed(scriptHash) {
			continue
		}
		params := []interface{}{scriptHash, s.monitor.GetElectrumHistoryHash(scriptHash)}
		if err := s.sendUpdate(sess, "blockchain.scripthash.subscribe", params); err != nil {
			return err
		}
	}
	return nil
}
