package stratum

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"time"

	"github.com/AGPFMiner/progminer/types"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// socketTimeout bounds dialing and every write; reads stay open-ended
	// (pools are quiet between jobs) and disconnect detection falls to TCP
	// keep-alive probes at the same interval.
	socketTimeout = 10 * time.Second

	defaultCABundle = "/etc/ssl/certs/ca-certificates.crt"
)

// dialPool opens the TCP connection and, depending on the endpoint's
// security level, wraps it in TLS.
func dialPool(ep *types.Endpoint, logger *zap.Logger) (net.Conn, error) {
	d := net.Dialer{Timeout: socketTimeout, KeepAlive: socketTimeout}
	conn, err := d.Dial("tcp", ep.Addr())
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "could not connect to stratum server %s", ep.Addr())
	}

	level := ep.SecLevel()
	if level == types.SecLevelNone {
		return conn, nil
	}

	cfg := &tls.Config{ServerName: ep.Host}
	if level == types.SecLevelTLS12 {
		cfg.MinVersion = tls.VersionTLS12
		cfg.MaxVersion = tls.VersionTLS12
	}
	if level == types.SecLevelAllowSelfSigned {
		cfg.InsecureSkipVerify = true
	} else if pool := caPool(logger); pool != nil {
		cfg.RootCAs = pool
	}

	tconn := tls.Client(conn, cfg)
	tconn.SetDeadline(time.Now().Add(socketTimeout))
	if err := tconn.Handshake(); err != nil {
		conn.Close()
		if _, unverified := err.(x509.UnknownAuthorityError); unverified || isVerifyError(err) {
			logger.Warn("SSL/TLS handshake failed: certificate verification error")
			logger.Warn("* Root certs are either not installed or not found")
			logger.Warn("* Pool uses a self-signed certificate")
			logger.Warn("Possible fixes:")
			logger.Warn("* Make sure the file '" + defaultCABundle + "' exists and is accessible")
			logger.Warn("* Export the correct path via SSL_CERT_FILE to the correct file")
			logger.Warn("* Or allow self-signed certificates for this pool")
		}
		return nil, pkgerrors.Wrap(err, "SSL/TLS handshake failed")
	}
	tconn.SetDeadline(time.Time{})
	return tconn, nil
}

func isVerifyError(err error) bool {
	switch err.(type) {
	case x509.CertificateInvalidError, x509.HostnameError, x509.UnknownAuthorityError:
		return true
	}
	return false
}

// caPool loads the verification roots: $SSL_CERT_FILE if set, the
// distribution bundle otherwise, nil (OS defaults) when neither is readable.
func caPool(logger *zap.Logger) *x509.CertPool {
	path := os.Getenv("SSL_CERT_FILE")
	if path == "" {
		path = defaultCABundle
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Failed to load ca certificates, falling back to system roots",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		logger.Warn("No usable certificates in ca bundle", zap.String("path", path))
		return nil
	}
	return pool
}

// writeFrame sends one already-framed message with the session write timeout.
func writeFrame(conn net.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(socketTimeout))
	_, err := conn.Write(frame)
	return err
}
