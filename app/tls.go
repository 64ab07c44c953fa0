package nexus

import "crypto/tls"

// https://github.com/ssllabs/research/wiki/ssl-and-tls-deployment-best-practices
var defaultTLSConfig = tls.Config{
	MinVersion: tls.VersionTLS12,
	CurvePreferences: []tls.CurveID{
		tls.X25519,
		tls.CurveP384,
		tls.CurveP256,
	},
}

func (c *Config) tlsEnabled() bool {
	return c.TLS.Crt != "" && c.TLS.Key != ""
}
