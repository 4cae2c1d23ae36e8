// Package realsshdialer provides a real implementation of the SSHDialer port.
package realsshdialer

import (
	"context"
	"net"

	"golang.org/x/crypto/ssh"
)

// Dialer implements ports.SSHDialer over a TCP connection.
type Dialer struct {
	net net.Dialer
}

// New creates a new Dialer.
func New() *Dialer {
	return &Dialer{}
}

// Dial connects to addr and performs the SSH handshake. The handshake is
// abandoned when ctx is cancelled.
func (d *Dialer) Dial(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	conn, err := d.net.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		if err == nil {
			_ = c.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}
