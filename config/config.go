// Package config reads the server's INI configuration file and resolves
// the pieces derived from it: node credentials (including the .cookie
// fallback), the listener's IP allow-list and its TLS certificate.
package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// BitcoinRPC is the [bitcoin-rpc] section.
type BitcoinRPC struct {
	Host                  string
	Port                  int
	User                  string
	Password              string
	Datadir               string
	WalletFilename        string
	GapLimit              int
	InitialImportCount    int
	PollIntervalListening time.Duration
	PollIntervalConnected time.Duration
}

// ElectrumServer is the [electrum-server] section.
type ElectrumServer struct {
	Host      string
	Port      int
	Whitelist []*net.IPNet
	CertFile  string
	KeyFile   string
}

// MasterPublicKey is one entry of [master-public-keys], in file order.
type MasterPublicKey struct {
	Name string
	Key  string
}

type Config struct {
	BitcoinRPC         BitcoinRPC
	ElectrumServer     ElectrumServer
	MasterPublicKeys   []MasterPublicKey
	WatchOnlyAddresses []string
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	return parse(path)
}

func parse(source interface{}) (*Config, error) {
	file, err := ini.Load(source)
	if err != nil {
		return nil, errors.Wrap(err, "non-existent or unreadable configuration file")
	}
	if _, err := file.GetSection("master-public-keys"); err != nil {
		return nil, errors.New("configuration file has no [master-public-keys] section")
	}

	cfg := &Config{}

	node := file.Section("bitcoin-rpc")
	cfg.BitcoinRPC = BitcoinRPC{
		Host:                  node.Key("host").MustString("127.0.0.1"),
		Port:                  node.Key("port").MustInt(8332),
		User:                  node.Key("rpc_user").String(),
		Password:              node.Key("rpc_password").String(),
		Datadir:               node.Key("datadir").String(),
		WalletFilename:        strings.TrimSpace(node.Key("wallet_filename").String()),
		GapLimit:              node.Key("gap_limit").MustInt(25),
		InitialImportCount:    node.Key("initial_import_count").MustInt(100),
		PollIntervalListening: time.Duration(node.Key("poll_interval_listening").MustInt(30)) * time.Second,
		PollIntervalConnected: time.Duration(node.Key("poll_interval_connected").MustInt(5)) * time.Second,
	}
	if cfg.BitcoinRPC.User == "" || cfg.BitcoinRPC.Password == "" {
		user, password, err := cookieCredentials(cfg.BitcoinRPC.Datadir)
		if err != nil {
			return nil, errors.Wrap(err, "no rpc_user/rpc_password configured and the .cookie file is unreadable, try setting `datadir`")
		}
		cfg.BitcoinRPC.User, cfg.BitcoinRPC.Password = user, password
	}

	server := file.Section("electrum-server")
	whitelist, err := ParseWhitelist(server.Key("ip_whitelist").MustString("127.0.0.1 ::1"))
	if err != nil {
		return nil, err
	}
	cfg.ElectrumServer = ElectrumServer{
		Host:      server.Key("host").MustString("127.0.0.1"),
		Port:      server.Key("port").MustInt(50002),
		Whitelist: whitelist,
		CertFile:  server.Key("certfile").String(),
		KeyFile:   server.Key("keyfile").String(),
	}

	for _, key := range file.Section("master-public-keys").Keys() {
		cfg.MasterPublicKeys = append(cfg.MasterPublicKeys, MasterPublicKey{
			Name: key.Name(),
			Key:  strings.TrimSpace(key.String()),
		})
	}
	for _, key := range file.Section("watch-only-addresses").Keys() {
		cfg.WatchOnlyAddresses = append(cfg.WatchOnlyAddresses, strings.Fields(key.String())...)
	}
	if len(cfg.MasterPublicKeys) == 0 && len(cfg.WatchOnlyAddresses) == 0 {
		return nil, errors.New("no master public keys or watch-only addresses configured")
	}
	return cfg, nil
}

// ParseWhitelist turns a space separated list of CIDR networks, bare IPs
// and the * wildcard into networks.
func ParseWhitelist(list string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, field := range strings.Fields(list) {
		if field == "*" {
			_, v4, _ := net.ParseCIDR("0.0.0.0/0")
			_, v6, _ := net.ParseCIDR("::/0")
			networks = append(networks, v4, v6)
			continue
		}
		if !strings.Contains(field, "/") {
			ip := net.ParseIP(field)
			if ip == nil {
				return nil, errors.Errorf("invalid whitelist entry %q", field)
			}
			if ip.To4() != nil {
				field += "/32"
			} else {
				field += "/128"
			}
		}
		_, network, err := net.ParseCIDR(field)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid whitelist entry %q", field)
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// cookieCredentials reads the node's ephemeral auth from
// <datadir>/.cookie, defaulting the datadir per platform.
func cookieCredentials(datadir string) (string, string, error) {
	if strings.TrimSpace(datadir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", errors.Wrap(err, "could not locate the home directory")
		}
		switch runtime.GOOS {
		case "windows":
			datadir = filepath.Join(os.Getenv("APPDATA"), "Bitcoin")
		case "darwin":
			datadir = filepath.Join(home, "Library", "Application Support", "Bitcoin")
		default:
			datadir = filepath.Join(home, ".bitcoin")
		}
	}
	raw, err := os.ReadFile(filepath.Join(datadir, ".cookie"))
	if err != nil {
		return "", "", errors.Wrap(err, "could not read the .cookie file")
	}
	parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
	if len(parts) != 2 {
		return "", "", errors.New("malformed .cookie file")
	}
	return parts[0], parts[1], nil
}
