package config

import (
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[master-public-keys]
wallet1 = xpub6CjzRxucHWJbmtuNTg6EjPax3V75AhsBRnFKn8MEkc8UFFEhrCoWcQN6oUBhfZWoFKqTyQ21iNVK8KMbC44ifW25uyXaMPWkRtpwcbAWXJx
wallet2 = tpubDBrCAXucLxvjC9n9nZGGcYS8pk4X1N97YJmUgdDSwG2p36gbSqeRuytHYCHe2dHxLsV2EchX9ePaFdRwp7cNLrSpnr3PsoPLUQqbvLBDWvh

[watch-only-addresses]
addrs = 1N4VBTZqwLkHEKX79kjJ1WaYvX4c3txioz 19YomTTzGd55JM18pmj6Vv2F7ZqkaQDnRF

[bitcoin-rpc]
host = 10.0.0.5
port = 18332
rpc_user = rpcuser
rpc_password = rpcpassword
wallet_filename = electrum
gap_limit = 30
initial_import_count = 500
poll_interval_listening = 60
poll_interval_connected = 10

[electrum-server]
host = 0.0.0.0
port = 50002
ip_whitelist = 127.0.0.1 192.168.0.0/16 ::1
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.BitcoinRPC.Host)
	assert.Equal(t, 18332, cfg.BitcoinRPC.Port)
	assert.Equal(t, "rpcuser", cfg.BitcoinRPC.User)
	assert.Equal(t, "rpcpassword", cfg.BitcoinRPC.Password)
	assert.Equal(t, "electrum", cfg.BitcoinRPC.WalletFilename)
	assert.Equal(t, 30, cfg.BitcoinRPC.GapLimit)
	assert.Equal(t, 500, cfg.BitcoinRPC.InitialImportCount)
	assert.Equal(t, 60*time.Second, cfg.BitcoinRPC.PollIntervalListening)
	assert.Equal(t, 10*time.Second, cfg.BitcoinRPC.PollIntervalConnected)

	assert.Equal(t, "0.0.0.0", cfg.ElectrumServer.Host)
	assert.Equal(t, 50002, cfg.ElectrumServer.Port)
	assert.Len(t, cfg.ElectrumServer.Whitelist, 3)

	require.Len(t, cfg.MasterPublicKeys, 2)
	assert.Equal(t, "wallet1", cfg.MasterPublicKeys[0].Name)
	assert.Contains(t, cfg.MasterPublicKeys[0].Key, "xpub6CjzRxu")
	assert.Equal(t, "wallet2", cfg.MasterPublicKeys[1].Name)

	assert.Equal(t, []string{
		"1N4VBTZqwLkHEKX79kjJ1WaYvX4c3txioz",
		"19YomTTzGd55JM18pmj6Vv2F7ZqkaQDnRF",
	}, cfg.WatchOnlyAddresses)
}

func TestParseRequiresMasterPublicKeysSection(t *testing.T) {
	_, err := parse([]byte("[bitcoin-rpc]\nrpc_user = u\nrpc_password = p\n"))
	assert.Error(t, err)
}

func TestParseWhitelist(t *testing.T) {
	networks, err := ParseWhitelist("127.0.0.1 192.168.0.0/16 ::1")
	require.NoError(t, err)
	require.Len(t, networks, 3)

	contains := func(ip string) bool {
		parsed := net.ParseIP(ip)
		for _, network := range networks {
			if network.Contains(parsed) {
				return true
			}
		}
		return false
	}
	assert.True(t, contains("127.0.0.1"))
	assert.True(t, contains("192.168.1.20"))
	assert.True(t, contains("::1"))
	assert.False(t, contains("8.8.8.8"))
}

func TestParseWhitelistWildcard(t *testing.T) {
	networks, err := ParseWhitelist("*")
	require.NoError(t, err)
	require.Len(t, networks, 2)
	assert.True(t, networks[0].Contains(net.ParseIP("203.0.113.9")))
	assert.True(t, networks[1].Contains(net.ParseIP("2001:db8::1")))
}

func TestParseWhitelistRejectsGarbage(t *testing.T) {
	_, err := ParseWhitelist("not-an-ip")
	assert.Error(t, err)
}

func TestSelfSignedCertificate(t *testing.T) {
	cfg := &Config{}
	cert, err := cfg.TLSCertificate(hclog.NewNullLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
	assert.NotNil(t, cert.PrivateKey)
}
