package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// TLSCertificate loads the configured certificate pair, or generates an
// ephemeral self-signed one when none is configured. Electrum does not
// verify server certificates beyond pinning, so a generated certificate is
// enough for a personal server.
func (c *Config) TLSCertificate(logger hclog.Logger) (tls.Certificate, error) {
	certFile := c.ElectrumServer.CertFile
	keyFile := c.ElectrumServer.KeyFile
	if certFile != "" && keyFile != "" {
		if _, err := os.Stat(certFile); err != nil {
			return tls.Certificate{}, errors.Wrap(err, "invalid certfile")
		}
		if _, err := os.Stat(keyFile); err != nil {
			return tls.Certificate{}, errors.Wrap(err, "invalid keyfile")
		}
		logger.Debug("using configured certificate", "cert", certFile, "key", keyFile)
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		return cert, errors.Wrap(err, "could not load the certificate pair")
	}
	logger.Debug("no certificate configured, generating a self-signed one")
	return selfSignedCertificate()
}

func selfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "could not generate a key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "could not generate a serial number")
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "electrum-personal-server"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "could not create the certificate")
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
