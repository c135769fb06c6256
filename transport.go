package sodarelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultHeaderTimeout  = 30 * time.Second
)

// newMediaTransport builds the transport used to fetch media. Connecting (dial plus TLS
// handshake) is bounded by ConnectTimeout and waiting for the response head by
// HeaderTimeout. The body itself has no deadline, it lives as long as the caller keeps
// reading.
//
// Compression is disabled so the media bytes are relayed exactly as served.
func newMediaTransport(media MediaConfig) *http.Transport {
	connectTimeout := media.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	headerTimeout := media.HeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: headerTimeout,
		DisableCompression:    true,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	if media.ChromeTLS {
		transport.DialTLSContext = chromeDialTLS(dialer, connectTimeout, transport)
	}
	return transport
}

// chromeDialTLS returns a DialTLSContext that presents a Chrome ClientHello through utls.
// Media CDNs fingerprint TLS clients and may refuse Go's default handshake.
func chromeDialTLS(dialer *net.Dialer, handshakeTimeout time.Duration, transport *http.Transport) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		sniHost, _, err := net.SplitHostPort(addr)
		if err != nil {
			sniHost = addr
		}

		uTlsConfig := &utls.Config{
			ServerName: sniHost,
		}
		if transport.TLSClientConfig != nil {
			uTlsConfig.InsecureSkipVerify = transport.TLSClientConfig.InsecureSkipVerify
		}

		uConn := utls.UClient(tcpConn, uTlsConfig, utls.HelloChrome_Auto)

		if err := uConn.BuildHandshakeState(); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("building handshake state : %w", err)
		}

		// HelloChrome_Auto ignores Config.NextProtos and offers h2. The transport speaks
		// http/1.1 over this conn, so the ALPN extension is rewritten before the handshake.
		foundALPN := false
		for _, ext := range uConn.Extensions {
			if alpnExt, ok := ext.(*utls.ALPNExtension); ok {
				alpnExt.AlpnProtocols = []string{"http/1.1"}
				foundALPN = true
				break
			}
		}
		if !foundALPN {
			tcpConn.Close()
			return nil, errors.New("could not find ALPNExtension")
		}

		handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
		if err := uConn.HandshakeContext(handshakeCtx); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("tls handshake with %s : %w", sniHost, err)
		}

		return uConn, nil
	}
}
