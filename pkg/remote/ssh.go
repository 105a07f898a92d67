package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/clusterrebootd/kafka-rolling/pkg/config"
)

const initialRetryDelay = 250 * time.Millisecond

// SSHDialer opens SSH sessions to broker hosts.
type SSHDialer struct {
	User           string
	Port           int
	Password       string
	IdentityFiles  []string
	KnownHostsFile string
	AgentSocket    string
	ForwardAgent   bool
	Sudo           bool
	MaxAttempts    int
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration

	dialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSSHDialer builds a dialer from the run configuration. The agent socket
// is taken from SSH_AUTH_SOCK. Without a configured known_hosts file the
// user's ~/.ssh/known_hosts is used when it exists.
func NewSSHDialer(cfg *config.Config) *SSHDialer {
	user := cfg.SSH.User
	if user == "" {
		user = os.Getenv("USER")
	}
	knownHosts := cfg.SSH.KnownHostsFile
	if knownHosts == "" {
		knownHosts = defaultKnownHosts()
	}
	return &SSHDialer{
		User:           user,
		Port:           cfg.SSH.Port,
		Password:       cfg.SSH.Password,
		IdentityFiles:  append([]string(nil), cfg.SSH.IdentityFiles...),
		KnownHostsFile: knownHosts,
		AgentSocket:    os.Getenv("SSH_AUTH_SOCK"),
		ForwardAgent:   cfg.ForwardAgent(),
		Sudo:           cfg.Sudo(),
		MaxAttempts:    cfg.SSH.MaxAttempts,
		MaxBackoff:     cfg.SSHMaxBackoff(),
		ConnectTimeout: cfg.SSHConnectTimeout(),
	}
}

// Open implements Dialer. Connection attempts are retried with exponential
// backoff; authentication and host key failures are not.
func (d *SSHDialer) Open(ctx context.Context, host string) (Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	clientConfig, ac, err := d.clientConfig()
	if err != nil {
		return nil, &OperationError{Host: host, Stage: StageConnect, Err: err}
	}

	port := d.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var client *ssh.Client
	err = retry.Do(
		func() error {
			c, dialErr := d.dial(ctx, addr, clientConfig)
			if dialErr != nil {
				if permanentDialError(dialErr) {
					return retry.Unrecoverable(dialErr)
				}
				return dialErr
			}
			client = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(initialRetryDelay),
		retry.MaxDelay(d.maxBackoff()),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		ac.close()
		return nil, &OperationError{Host: host, Stage: StageConnect, Err: err}
	}

	if d.ForwardAgent && ac.client != nil {
		if err := agent.ForwardToAgent(client, ac.client); err != nil {
			_ = client.Close()
			ac.close()
			return nil, &OperationError{Host: host, Stage: StageConnect, Err: fmt.Errorf("forward agent: %w", err)}
		}
	}

	return &sshSession{
		host:         host,
		client:       client,
		agentConn:    ac,
		sudo:         d.Sudo,
		password:     d.Password,
		forwardAgent: d.ForwardAgent && ac.client != nil,
	}, nil
}

// agentConn is the connection to the local ssh-agent held for one session.
type agentConn struct {
	conn   net.Conn
	client agent.ExtendedAgent
}

func (a agentConn) close() {
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

func defaultKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func (d *SSHDialer) maxBackoff() time.Duration {
	if d.MaxBackoff <= 0 {
		return initialRetryDelay
	}
	return d.MaxBackoff
}

func (d *SSHDialer) clientConfig() (*ssh.ClientConfig, agentConn, error) {
	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		return nil, agentConn{}, err
	}

	auth, ac, err := d.authMethods()
	if err != nil {
		return nil, agentConn{}, err
	}

	return &ssh.ClientConfig{
		User:            d.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.ConnectTimeout,
	}, ac, nil
}

// VerifiesHostKeys reports whether host keys are checked against a
// known_hosts file.
func (d *SSHDialer) VerifiesHostKeys() bool {
	return d.KnownHostsFile != ""
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // callers warn through VerifiesHostKeys
	}
	callback, err := knownhosts.New(expandHome(d.KnownHostsFile))
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", d.KnownHostsFile, err)
	}
	return callback, nil
}

func (d *SSHDialer) authMethods() ([]ssh.AuthMethod, agentConn, error) {
	var methods []ssh.AuthMethod

	for _, path := range d.IdentityFiles {
		signer, err := loadPrivateKey(path)
		if err != nil {
			return nil, agentConn{}, fmt.Errorf("load identity file %s: %w", path, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	var ac agentConn
	if d.AgentSocket != "" {
		if conn, err := net.Dial("unix", d.AgentSocket); err == nil {
			ac = agentConn{conn: conn, client: agent.NewClient(conn)}
			methods = append(methods, ssh.PublicKeysCallback(ac.client.Signers))
		}
	}

	if d.Password != "" {
		password := d.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, agentConn{}, errors.New("no ssh authentication methods available: set a password, identity file, or SSH_AUTH_SOCK")
	}
	return methods, ac, nil
}

func (d *SSHDialer) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialContext := d.dialContext
	if dialContext == nil {
		dialer := &net.Dialer{Timeout: cfg.Timeout}
		dialContext = dialer.DialContext
	}

	netConn, err := dialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if cfg.Timeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(cfg.Timeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func permanentDialError(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:")
}

func loadPrivateKey(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// WrapSudo returns the command line executed on the host when sudo is
// enabled. With a password sudo reads it from stdin; without one sudo must
// not prompt.
func WrapSudo(command string, withPassword bool) string {
	if withPassword {
		return shellquote.Join("sudo", "-S", "-p", "", "--", "sh", "-c", command)
	}
	return shellquote.Join("sudo", "-n", "--", "sh", "-c", command)
}

type sshSession struct {
	host         string
	client       *ssh.Client
	agentConn    agentConn
	sudo         bool
	password     string
	forwardAgent bool
}

func (s *sshSession) Host() string {
	return s.host
}

func (s *sshSession) Run(ctx context.Context, command string) (Result, error) {
	if command == "" {
		return Result{}, errors.New("command is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	session, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	defer func() { _ = session.Close() }()

	if s.forwardAgent {
		if err := agent.RequestAgentForwarding(session); err != nil {
			return Result{}, fmt.Errorf("request agent forwarding: %w", err)
		}
	}

	line := command
	if s.sudo {
		line = WrapSudo(command, s.password != "")
		if s.password != "" {
			session.Stdin = strings.NewReader(s.password + "\n")
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- session.Run(line)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return Result{Duration: time.Since(start)}, ctx.Err()
	case err := <-done:
		result := Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return result, err
		}
		return result, nil
	}
}

func (s *sshSession) Close() error {
	defer s.agentConn.close()
	return s.client.Close()
}

var _ Dialer = (*SSHDialer)(nil)
var _ Session = (*sshSession)(nil)
