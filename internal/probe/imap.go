package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"go.uber.org/zap"
)

const implicitTLSPort = 993

// IMAPProber checks mailbox credentials with a live LOGIN against the IMAP server
type IMAPProber struct {
	defaultTimeout time.Duration
	allowInsecure  bool
	logger         *zap.Logger
}

// NewIMAPProber creates a prober. allowInsecure permits plaintext sessions on non-993 ports
// and is meant for local test servers only.
func NewIMAPProber(defaultTimeout time.Duration, allowInsecure bool, logger *zap.Logger) *IMAPProber {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &IMAPProber{
		defaultTimeout: defaultTimeout,
		allowInsecure:  allowInsecure,
		logger:         logger.Named("imap_probe"),
	}
}

// Probe reports whether username/password authenticate against host:port.
// Connection and authentication failures return false with a nil error.
func (p *IMAPProber) Probe(ctx context.Context, host string, port int, username, password string, timeout time.Duration) (bool, error) {
	if host == "" || port <= 0 || username == "" || password == "" {
		return false, fmt.Errorf("host, port, username and password are required: %w", domain.ErrInvalidInput)
	}
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	logger := p.logger.With(zap.String("addr", addr), zap.String("username", username))

	client, err := p.dial(ctx, host, port, addr)
	if err != nil {
		logger.Info("IMAP connection failed", zap.Error(err))
		return false, nil
	}
	defer client.Close()

	if err := client.Login(username, password).Wait(); err != nil {
		logger.Info("IMAP authentication failed", zap.Error(err))
		return false, nil
	}

	if err := client.Logout().Wait(); err != nil {
		logger.Debug("IMAP logout failed", zap.Error(err))
	}

	logger.Debug("IMAP authentication succeeded")
	return true, nil
}

func (p *IMAPProber) dial(ctx context.Context, host string, port int, addr string) (*imapclient.Client, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}

	switch {
	case port == implicitTLSPort:
		return imapclient.New(tls.Client(conn, tlsConfig), nil), nil
	case p.allowInsecure:
		return imapclient.New(conn, nil), nil
	default:
		client, err := imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("starttls %s: %w", addr, err)
		}
		return client, nil
	}
}
