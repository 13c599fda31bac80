package net

import (
	"crypto/tls"
	"fmt"
	"net"
)

// TLSStreamLayer is a TCPStreamLayer whose accepted connections are
// terminated with TLS. Outgoing connections are upgraded by the Transport
// depending on the target address, so Dial stays plain.
type TLSStreamLayer struct {
	*TCPStreamLayer
	config *tls.Config
}

// NewTLSStreamLayer wraps a TCPStreamLayer with the given server config.
func NewTLSStreamLayer(tcp *TCPStreamLayer, config *tls.Config) *TLSStreamLayer {
	return &TLSStreamLayer{
		TCPStreamLayer: tcp,
		config:         config,
	}
}

// Accept implements the net.Listener interface.
func (t *TLSStreamLayer) Accept() (net.Conn, error) {
	c, err := t.TCPStreamLayer.Accept()
	if err != nil {
		return nil, err
	}
	return tls.Server(c, t.config), nil
}

// NewTLSServerConfig loads a certificate and its key.
func NewTLSServerConfig(certFile, keyFile string) (*tls.Config, error) {
	tlscfg := &tls.Config{}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("error loading X509 key pair: %w", err)
	}
	tlscfg.Certificates = append(tlscfg.Certificates, cert)
	return tlscfg, nil
}
