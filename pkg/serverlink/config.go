package serverlink

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Config configures a dial to the server. Exactly one of Insecure or the
// three TLS material paths must be set (§6: missing both is a fatal
// configuration error).
type Config struct {
	ServerURL string
	Insecure  bool
	CACert    string
	Cert      string
	Key       string
}

// Validate enforces §6's "exactly one mode" rule.
func (c Config) Validate() error {
	tlsMode := c.CACert != "" || c.Cert != "" || c.Key != ""
	if c.Insecure && tlsMode {
		return fmt.Errorf("serverlink: --insecure and TLS material are mutually exclusive")
	}
	if !c.Insecure && !tlsMode {
		return fmt.Errorf("serverlink: exactly one of --insecure or --ca-cert/--cert/--key must be set")
	}
	if tlsMode && (c.CACert == "" || c.Cert == "" || c.Key == "") {
		return fmt.Errorf("serverlink: --ca-cert, --cert and --key must all be set together")
	}
	return nil
}

// credentials builds the gRPC transport credentials for this config:
// a crypto/tls client certificate plus a CA pool for server
// verification, or insecure credentials when Insecure is set.
func (c Config) credentials() (credentials.TransportCredentials, error) {
	if c.Insecure {
		return insecure.NewCredentials(), nil
	}

	cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("serverlink: load client certificate: %w", err)
	}

	caPEM, err := os.ReadFile(c.CACert)
	if err != nil {
		return nil, fmt.Errorf("serverlink: read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("serverlink: no certificates parsed from %s", c.CACert)
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}), nil
}
