package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Masterminds/semver"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/bitwatch/electrum-personal-server/blockfinder"
	"github.com/bitwatch/electrum-personal-server/config"
	"github.com/bitwatch/electrum-personal-server/electrum"
	"github.com/bitwatch/electrum-personal-server/hashes"
	"github.com/bitwatch/electrum-personal-server/headers"
	"github.com/bitwatch/electrum-personal-server/monitor"
	"github.com/bitwatch/electrum-personal-server/rpc"
	"github.com/bitwatch/electrum-personal-server/utils"
	"github.com/bitwatch/electrum-personal-server/wallet"
)

var (
	app       = kingpin.New("electrum-personal-server", "An Electrum protocol server backed by your own bitcoin full node.")
	conf      = app.Flag("conf", "configuration file (mandatory)").Short('c').Required().String()
	logPath   = app.Flag("log", "log file").Short('l').String()
	appendLog = app.Flag("appendlog", "append to the log file instead of overwriting it").Short('a').Bool()
	logLevel  = app.Flag("loglevel", "log level").Default("debug").Enum("trace", "debug", "info", "warn", "error")

	serverCmd = app.Command("server", "Run the server.").Default()
	rescanCmd = app.Command("rescan", "Rescan the node's wallet from a date or block height.")
)

// oldestSupportedNode is the first release with the labels API the address
// import bookkeeping relies on.
var oldestSupportedNode = semver.MustParse("0.17.0")

func main() {
	app.Version(electrum.ServerVersionNumber)
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger, closeLogger, err := setupLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogger()
	logger.Info("Starting Electrum Personal Server", "version", electrum.ServerVersionNumber)

	cfg, err := config.Load(*conf)
	if err != nil {
		logger.Error("configuration error", "err", err)
		os.Exit(1)
	}

	switch command {
	case serverCmd.FullCommand():
		err = runServer(logger, cfg)
	case rescanCmd.FullCommand():
		err = runRescan(logger, cfg)
	}
	if err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// setupLogger builds the two-sink logger: everything at the chosen level
// into the log file, INFO and up mirrored to stderr. Without a log file
// the chosen level goes straight to stderr.
func setupLogger() (hclog.Logger, func(), error) {
	level := hclog.LevelFromString(*logLevel)
	if *logPath == "" {
		logger := hclog.New(&hclog.LoggerOptions{Name: "eps", Level: level, Output: os.Stderr})
		return logger, func() {}, nil
	}
	flags := os.O_CREATE | os.O_WRONLY
	if *appendLog {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	logFile, err := os.OpenFile(*logPath, flags, 0644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not open the log file")
	}
	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{Name: "eps", Level: level, Output: logFile})
	logger.RegisterSink(hclog.NewSinkAdapter(&hclog.LoggerOptions{Level: hclog.Info, Output: os.Stderr}))
	return logger, func() { logFile.Close() }, nil
}

func newNodeClient(cfg *config.Config, logger hclog.Logger) (*rpc.Client, error) {
	return rpc.New(
		cfg.BitcoinRPC.Host,
		cfg.BitcoinRPC.Port,
		cfg.BitcoinRPC.User,
		cfg.BitcoinRPC.Password,
		cfg.BitcoinRPC.WalletFilename,
		logger.Named("rpc"))
}

func runServer(logger hclog.Logger, cfg *config.Config) error {
	client, err := newNodeClient(cfg, logger)
	if err != nil {
		return err
	}

	tip := waitForNode(logger, client)
	if err := client.ListUnspent(); err != nil {
		return errors.New("wallet related RPC calls not found, looks like the " +
			"bitcoin node was compiled with the disable wallet flag")
	}
	checkNodeVersion(logger, client)

	importNeeded, monitored, wallets, params, err := scriptPubKeysToMonitor(logger, cfg, client)
	if err != nil {
		return err
	}
	if importNeeded {
		if err := monitor.ImportAddresses(client, monitored, logger); err != nil {
			return err
		}
		logger.Info("Done. If recovering a wallet which already has existing " +
			"transactions, then run the rescan command. If you're confident " +
			"that the wallets are new and empty then there's no need to " +
			"rescan, just restart this server")
		return nil
	}

	txMonitor := monitor.New(client, wallets, params, logger.Named("monitor"))
	if err := txMonitor.BuildAddressHistory(monitored); err != nil {
		return err
	}
	headerEngine := headers.NewEngine(client, tip, logger.Named("headers"))

	tlsCert, err := cfg.TLSCertificate(logger)
	if err != nil {
		return err
	}
	server := electrum.NewServer(electrum.Config{
		Host:                  cfg.ElectrumServer.Host,
		Port:                  cfg.ElectrumServer.Port,
		Whitelist:             cfg.ElectrumServer.Whitelist,
		TLSCertificate:        tlsCert,
		PollIntervalListening: cfg.BitcoinRPC.PollIntervalListening,
		PollIntervalConnected: cfg.BitcoinRPC.PollIntervalConnected,
	}, client, txMonitor, headerEngine, logger.Named("electrum"))

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	failed := make(chan error, 1)
	go func() { failed <- server.Run() }()
	select {
	case <-interrupted:
		logger.Info("Received interrupt, quitting")
		return nil
	case err := <-failed:
		return err
	}
}

// waitForNode blocks until the node answers getbestblockhash, retrying
// with a 5 second backoff and logging the failure once.
func waitForNode(logger hclog.Logger, client *rpc.Client) string {
	printedErrorMsg := false
	for {
		tip, err := client.BestBlockHash()
		if err == nil {
			return tip
		}
		if !printedErrorMsg {
			logger.Error("Error with bitcoin json-rpc, will keep retrying", "err", err)
			printedErrorMsg = true
		}
		time.Sleep(5 * time.Second)
	}
}

// checkNodeVersion warns when the node predates the labels API.
func checkNodeVersion(logger hclog.Logger, client *rpc.Client) {
	info, err := client.NetworkInfo()
	if err != nil {
		return
	}
	// subversion looks like /Satoshi:27.1.0/
	parts := strings.SplitN(strings.Trim(info.Subversion, "/"), ":", 2)
	if len(parts) != 2 {
		return
	}
	version, err := semver.NewVersion(parts[1])
	if err != nil {
		return
	}
	if version.LessThan(oldestSupportedNode) {
		logger.Warn("the bitcoin node is older than the oldest supported release",
			"node", parts[1], "oldest", oldestSupportedNode.String())
	}
}

// importedAddresses lists what the node already has under our label. It
// asks the deprecated accounts interface first and falls back to the
// labels interface when that call fails.
func importedAddresses(logger hclog.Logger, client *rpc.Client) map[string]bool {
	imported := make(map[string]bool)
	addrs, err := client.AddressesByAccount(monitor.AddressesLabel)
	if err == nil {
		logger.Debug("using deprecated accounts interface")
	} else {
		labels, lerr := client.ListLabels()
		if lerr != nil {
			return imported
		}
		found := false
		for _, label := range labels {
			if label == monitor.AddressesLabel {
				found = true
				break
			}
		}
		if !found {
			// no label means nothing imported at all
			return imported
		}
		addrs, err = client.AddressesByLabel(monitor.AddressesLabel)
		if err != nil {
			return imported
		}
	}
	for _, addr := range addrs {
		imported[addr] = true
	}
	return imported
}

// scriptPubKeysToMonitor enumerates the scripts of every configured wallet
// and watch-only address. When some are missing from the node it instead
// returns (true, addresses-to-import, ...); otherwise it advances each
// wallet's cursor past the already imported scripts and returns the full
// monitoring set.
func scriptPubKeysToMonitor(logger hclog.Logger, cfg *config.Config, client *rpc.Client) (bool, []string, []wallet.DeterministicWallet, *chaincfg.Params, error) {
	logger.Info("Obtaining bitcoin addresses to monitor . . .")
	start := time.Now()
	imported := importedAddresses(logger, client)

	var wallets []wallet.DeterministicWallet
	for _, mpk := range cfg.MasterPublicKeys {
		w, err := wallet.ParseMasterPublicKey(mpk.Key, cfg.BitcoinRPC.GapLimit)
		if err != nil {
			return false, nil, nil, nil, errors.Wrapf(err, "master public key %q", mpk.Name)
		}
		wallets = append(wallets, w)
	}
	var params *chaincfg.Params
	if len(wallets) > 0 {
		params = wallets[0].Network().ChainConfig()
	} else {
		params = utils.AddressToNetwork(cfg.WatchOnlyAddresses[0]).ChainConfig()
	}

	toAddress := func(spk string) (string, error) {
		return hashes.ScriptToAddress(spk, params)
	}

	// show the first few addresses of each wallet so users can eyeball
	// that the configured keys are the ones they expect
	const testAddrCount = 3
	importNeeded := false
	var scriptsToImport []string
	walletsImported := 0
	logger.Info(fmt.Sprintf("Displaying first %d addresses of each master public key:", testAddrCount))
	for i, mpk := range cfg.MasterPublicKeys {
		w := wallets[i]
		firstScripts, err := w.ScriptPubKeys(0, 0, testAddrCount)
		if err != nil {
			return false, nil, nil, nil, err
		}
		var firstAddrs []string
		allImported := true
		for _, spk := range firstScripts {
			addr, err := toAddress(spk)
			if err != nil {
				return false, nil, nil, nil, err
			}
			firstAddrs = append(firstAddrs, addr)
			if !imported[addr] {
				allImported = false
			}
		}
		logger.Info(" " + mpk.Name + " => " + strings.Join(firstAddrs, " "))
		if !allImported {
			importNeeded = true
			walletsImported++
			for _, change := range []int{0, 1} {
				scripts, err := w.ScriptPubKeys(change, 0, cfg.BitcoinRPC.InitialImportCount)
				if err != nil {
					return false, nil, nil, nil, err
				}
				scriptsToImport = append(scriptsToImport, scripts...)
			}
		}
	}

	var watchOnlyToImport []string
	for _, addr := range cfg.WatchOnlyAddresses {
		if !imported[addr] {
			watchOnlyToImport = append(watchOnlyToImport, addr)
		}
	}

	if importNeeded || len(watchOnlyToImport) > 0 {
		addresses := make([]string, 0, len(scriptsToImport)+len(watchOnlyToImport))
		for _, spk := range scriptsToImport {
			addr, err := toAddress(spk)
			if err != nil {
				return false, nil, nil, nil, err
			}
			addresses = append(addresses, addr)
		}
		addresses = append(addresses, watchOnlyToImport...)
		logger.Info("Importing wallets and watch-only addresses into the bitcoin node",
			"wallets", walletsImported, "watchonly", len(watchOnlyToImport))
		return true, addresses, nil, params, nil
	}

	// everything is imported; find which index each wallet is up to by
	// probing for the first underived address the node does not know
	var scriptsToMonitor []string
	for _, w := range wallets {
		for _, change := range []int{0, 1} {
			scripts, err := w.ScriptPubKeys(change, 0, cfg.BitcoinRPC.InitialImportCount)
			if err != nil {
				return false, nil, nil, nil, err
			}
			scriptsToMonitor = append(scriptsToMonitor, scripts...)
			for {
				next, err := w.NewScriptPubKeys(change, 1)
				if err != nil {
					return false, nil, nil, nil, err
				}
				scriptsToMonitor = append(scriptsToMonitor, next[0])
				addr, err := toAddress(next[0])
				if err != nil {
					return false, nil, nil, nil, err
				}
				if !imported[addr] {
					break
				}
			}
			scriptsToMonitor = scriptsToMonitor[:len(scriptsToMonitor)-1]
			w.RewindOne(change)
		}
	}
	for _, addr := range cfg.WatchOnlyAddresses {
		spk, err := hashes.AddressToScript(addr, params)
		if err != nil {
			return false, nil, nil, nil, errors.Wrapf(err, "watch-only address %q", addr)
		}
		scriptsToMonitor = append(scriptsToMonitor, spk)
	}
	logger.Info("Obtained list of addresses to monitor", "duration", time.Since(start))
	return false, scriptsToMonitor, wallets, params, nil
}

// runRescan asks for a starting point and triggers the node's blockchain
// rescan, resolving dates to heights via the header timestamps.
func runRescan(logger hclog.Logger, cfg *config.Config) error {
	client, err := newNodeClient(cfg, logger)
	if err != nil {
		return err
	}
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Enter earliest wallet creation date (DD/MM/YYYY) or block height to rescan from: ")
	input, err := reader.ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "could not read input")
	}
	input = strings.TrimSpace(input)

	height, err := strconv.ParseInt(input, 10, 64)
	if err != nil {
		date, derr := time.Parse("02/01/2006", input)
		if derr != nil {
			return errors.Errorf("%q is neither a block height nor a DD/MM/YYYY date", input)
		}
		height, err = blockfinder.SearchHeightForDate(client, date, logger)
		if err != nil {
			return err
		}
		height -= 2016 // go back two weeks for safety
		if height < 0 {
			height = 0
		}
	}

	fmt.Printf("Rescan from block height %d ? (y/n): ", height)
	confirm, err := reader.ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "could not read input")
	}
	if strings.TrimSpace(confirm) != "y" {
		return nil
	}
	logger.Info("Rescanning . . . for a progress indicator see the bitcoin node's debug.log file")
	if err := client.RescanBlockchain(height); err != nil {
		return errors.Wrap(err, "rescan failed")
	}
	logger.Info("end")
	return nil
}
