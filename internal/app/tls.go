package app

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var ErrEmptyCABundle = errors.New("ca bundle contains no certificates")

// LoadServerTLS builds the listener TLS config from the certificate, its key
// and the CA bundle. Bundle certificates are appended to the served chain so
// clients without the intermediates can still verify the server.
func LoadServerTLS(certFile, keyFile, caBundleFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate %s / key %s: %w", certFile, keyFile, err)
	}

	bundle, err := os.ReadFile(caBundleFile)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	chain, err := pemCertificates(bundle)
	if err != nil {
		return nil, fmt.Errorf("parse ca bundle %s: %w", caBundleFile, err)
	}
	cert.Certificate = append(cert.Certificate, chain...)

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func pemCertificates(data []byte) ([][]byte, error) {
	var out [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			out = append(out, block.Bytes)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyCABundle
	}
	return out, nil
}
