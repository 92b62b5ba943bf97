// Package sshx is the direct-shell fallback transport: a pooled SSH client
// used when a host has no connected agent.
package sshx

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tbruckner/dockyard/internal/metrics"
)

// Credentials authenticate one SSH target. Exactly one of Password or
// PrivateKey should be set; PrivateKey wins when both are.
type Credentials struct {
	User       string
	Password   string
	PrivateKey []byte
}

// Result is the outcome of one remote command.
type Result struct {
	Output   string
	ExitCode int
}

type poolKey struct {
	host string
	port int
	user string
}

// Pool caches authenticated SSH connections keyed by (host, port, user).
// Checked-out connections are verified live; dead ones are discarded and
// redialed.
type Pool struct {
	mu             sync.Mutex
	idle           map[poolKey][]*ssh.Client
	maxIdle        int
	hostKeys       ssh.HostKeyCallback
	strict         bool
	connectTimeout time.Duration
	log            *slog.Logger

	// dial is swapped in tests.
	dial func(addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)
}

// Options configures a Pool.
type Options struct {
	MaxIdlePerKey  int
	StrictHostKeys bool
	KnownHostsPath string
	ConnectTimeout time.Duration
}

// NewPool creates a connection pool. With StrictHostKeys set, the known-hosts
// file must exist and every host key is verified against it; otherwise host
// keys are accepted and logged.
func NewPool(opts Options, log *slog.Logger) (*Pool, error) {
	p := &Pool{
		idle:           make(map[poolKey][]*ssh.Client),
		maxIdle:        opts.MaxIdlePerKey,
		strict:         opts.StrictHostKeys,
		connectTimeout: opts.ConnectTimeout,
		log:            log,
	}
	if p.maxIdle <= 0 {
		p.maxIdle = 4
	}
	if p.connectTimeout <= 0 {
		p.connectTimeout = 10 * time.Second
	}
	p.dial = func(addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		return ssh.Dial("tcp", addr, cfg)
	}

	if opts.StrictHostKeys {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		p.hostKeys = cb
	} else {
		p.hostKeys = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			log.Warn("accepting unverified host key", "host", hostname, "type", key.Type())
			return nil
		}
	}
	return p, nil
}

// Execute runs a command on the target and returns its combined output and
// exit code. A non-zero remote exit status is not an error; transport and
// auth failures are.
func (p *Pool) Execute(ctx context.Context, host string, port int, creds Credentials, command string, timeout time.Duration) (Result, error) {
	client, key, err := p.checkout(host, port, creds)
	if err != nil {
		return Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		p.discard(client)
		return Result{}, fmt.Errorf("open session: %w", err)
	}

	var buf bytes.Buffer
	session.Stdout = &buf
	session.Stderr = &buf

	res, err := p.runSession(ctx, session, command, timeout)
	if err != nil {
		p.discard(client)
		return Result{}, err
	}
	res.Output = buf.String()

	p.release(key, client)
	return res, nil
}

// ExecuteStream runs a command and invokes onLine for each output line as it
// arrives. stdout and stderr are interleaved in read order.
func (p *Pool) ExecuteStream(ctx context.Context, host string, port int, creds Credentials, command string, timeout time.Duration, onLine func(string)) (Result, error) {
	client, key, err := p.checkout(host, port, creds)
	if err != nil {
		return Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		p.discard(client)
		return Result{}, fmt.Errorf("open session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		p.discard(client)
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		p.discard(client)
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	res, err := p.runStreaming(ctx, session, command, timeout, []io.Reader{stdout, stderr}, onLine)
	if err != nil {
		p.discard(client)
		return Result{}, err
	}

	p.release(key, client)
	return res, nil
}

// runSession starts the command and waits with a deadline.
func (p *Pool) runSession(ctx context.Context, session *ssh.Session, command string, timeout time.Duration) (Result, error) {
	defer session.Close()

	if err := session.Start(command); err != nil {
		return Result{}, fmt.Errorf("start command: %w", err)
	}
	return waitSession(ctx, session, timeout)
}

func (p *Pool) runStreaming(ctx context.Context, session *ssh.Session, command string, timeout time.Duration, outputs []io.Reader, onLine func(string)) (Result, error) {
	defer session.Close()

	if err := session.Start(command); err != nil {
		return Result{}, fmt.Errorf("start command: %w", err)
	}

	// onLine may be called from either scanner, one line at a time.
	var lineMu sync.Mutex
	var wg sync.WaitGroup
	for _, r := range outputs {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				lineMu.Lock()
				onLine(sc.Text())
				lineMu.Unlock()
			}
		}(r)
	}

	res, err := waitSession(ctx, session, timeout)
	wg.Wait()
	return res, err
}

func waitSession(ctx context.Context, session *ssh.Session, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return Result{ExitCode: exitErr.ExitStatus()}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("wait command: %w", err)
		}
		return Result{ExitCode: 0}, nil
	case <-timer.C:
		session.Close()
		return Result{}, fmt.Errorf("command timed out after %s", timeout)
	case <-ctx.Done():
		session.Close()
		return Result{}, ctx.Err()
	}
}

// checkout returns a live pooled connection or dials a new one.
func (p *Pool) checkout(host string, port int, creds Credentials) (*ssh.Client, poolKey, error) {
	key := poolKey{host: host, port: port, user: creds.User}

	for {
		p.mu.Lock()
		stack := p.idle[key]
		if len(stack) == 0 {
			p.mu.Unlock()
			break
		}
		client := stack[len(stack)-1]
		p.idle[key] = stack[:len(stack)-1]
		p.mu.Unlock()

		if alive(client) {
			return client, key, nil
		}
		p.closeClient(client)
	}

	cfg, err := p.clientConfig(creds)
	if err != nil {
		return nil, key, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := p.dial(addr, cfg)
	if err != nil {
		return nil, key, fmt.Errorf("dial %s: %w", addr, err)
	}
	metrics.SSHSessionsOpen.Inc()
	return client, key, nil
}

// release parks a connection for reuse, or closes it when the key's idle
// stack is full.
func (p *Pool) release(key poolKey, client *ssh.Client) {
	p.mu.Lock()
	if len(p.idle[key]) < p.maxIdle {
		p.idle[key] = append(p.idle[key], client)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.closeClient(client)
}

func (p *Pool) discard(client *ssh.Client) {
	p.closeClient(client)
}

func (p *Pool) closeClient(client *ssh.Client) {
	client.Close()
	metrics.SSHSessionsOpen.Dec()
}

// CloseAll drains the pool. In-use connections are closed by their callers
// via discard/release.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	drained := p.idle
	p.idle = make(map[poolKey][]*ssh.Client)
	p.mu.Unlock()

	for _, stack := range drained {
		for _, client := range stack {
			p.closeClient(client)
		}
	}
}

// IdleCount reports pooled connections for one target, for tests and the
// status endpoint.
func (p *Pool) IdleCount(host string, port int, user string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[poolKey{host: host, port: port, user: user}])
}

func (p *Pool) clientConfig(creds Credentials) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	} else {
		return nil, fmt.Errorf("no credentials for user %q", creds.User)
	}

	return &ssh.ClientConfig{
		User:            creds.User,
		Auth:            methods,
		HostKeyCallback: p.hostKeys,
		Timeout:         p.connectTimeout,
	}, nil
}

// alive probes a pooled connection with a keepalive request.
func alive(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}
