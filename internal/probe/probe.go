// Package probe checks whether a leased tunnel endpoint is actually alive by
// opening an SSH session through the forwarded port and running a fixed
// command. Probe results are advisory: they feed logs and metrics and never
// mutate the ledger.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrMissingCredentials marks leases claimed without probe credentials;
	// the health monitor skips them instead of failing them.
	ErrMissingCredentials = errors.New("allocation has no probe credentials")
)

// Commands run remotely are restricted to a fixed set. Endpoint identifiers
// never reach a remote shell, so a hostile router id cannot inject anything.
var allowedCommands = map[string]struct{}{
	"uptime":   {},
	"true":     {},
	"hostname": {},
}

func ValidateCommand(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return errors.New("probe command is empty")
	}
	if _, ok := allowedCommands[command]; !ok {
		return fmt.Errorf("probe command %q is not in the allowed set", command)
	}
	return nil
}

type Target struct {
	Host     string
	Port     int
	Username string
	Secret   string
}

type Result struct {
	Alive    bool
	Output   string
	Duration time.Duration
	Err      error
}

// Prober answers whether the endpoint behind a forwarded port responds.
type Prober interface {
	Probe(ctx context.Context, target Target) Result
}

type SSHOption func(*SSHProber)

func WithTimeout(d time.Duration) SSHOption {
	return func(p *SSHProber) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// SSHProber dials the leased port on the tunnel host and runs the configured
// command over a throwaway SSH session using the lease's password credentials.
type SSHProber struct {
	command string
	timeout time.Duration
}

var _ Prober = (*SSHProber)(nil)

func NewSSHProber(command string, opts ...SSHOption) (*SSHProber, error) {
	if err := ValidateCommand(command); err != nil {
		return nil, err
	}
	p := &SSHProber{
		command: strings.TrimSpace(command),
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *SSHProber) Probe(ctx context.Context, target Target) Result {
	start := time.Now()
	fail := func(err error) Result {
		return Result{Duration: time.Since(start), Err: err}
	}

	if target.Username == "" || target.Secret == "" {
		return fail(ErrMissingCredentials)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", target.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(fmt.Errorf("dial %s: %w", addr, err))
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	config := &ssh.ClientConfig{
		User: target.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(target.Secret),
		},
		// Endpoints are ephemeral devices behind the tunnel; their host
		// keys change on every reprovision and are not verifiable.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return fail(fmt.Errorf("ssh handshake %s: %w", addr, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fail(fmt.Errorf("ssh session %s: %w", addr, err))
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := session.Run(p.command); err != nil {
		return fail(fmt.Errorf("run %q on %s: %w", p.command, addr, err))
	}

	return Result{
		Alive:    true,
		Output:   strings.TrimSpace(stdout.String()),
		Duration: time.Since(start),
	}
}
