package ssh

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates to the release host.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent uses the agent at SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// Default connection settings.
const (
	DefaultPort    = 22
	DefaultTimeout = 30 * time.Second
)

// Key files tried, in order, when key auth is selected without a path.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes how to reach a release host.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is consulted when StrictHostKeyChecking is set.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration

	// ProxyHost is an optional jump host, reached as ProxyUser with the same
	// credentials.
	ProxyHost string
	ProxyPort int
	ProxyUser string
}

// DefaultConfig returns key-authenticated, host-key-checked settings for
// user@host.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  DefaultPort,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     DefaultTimeout,
		ProxyPort:             DefaultPort,
	}
}

// ConfigFromURL builds a Config from a releases location such as
//
//	sftp://builder@releases.example.com:2222/srv/builds?key=~/.ssh/ci&jump=ops@bastion
//
// A password in the URL selects password auth; otherwise a key= parameter
// selects that key, then the agent is used when SSH_AUTH_SOCK is set, then
// the default key files. Other parameters: jump=[user@]host[:port],
// known_hosts=path and insecure=true to skip host key checking.
func ConfigFromURL(u *url.URL) (*Config, error) {
	if u.Scheme != "sftp" && u.Scheme != "ssh" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	user := os.Getenv("USER")
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}

	cfg := DefaultConfig(u.Hostname(), user)
	if p := u.Port(); p != "" {
		port, err := parsePort(p)
		if err != nil {
			return nil, err
		}
		cfg.Port = port
	}

	q := u.Query()
	password, hasPassword := "", false
	if u.User != nil {
		password, hasPassword = u.User.Password()
	}
	switch {
	case hasPassword:
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = password
	case q.Get("key") != "":
		cfg.PrivateKeyPath = expandHome(q.Get("key"))
	case os.Getenv("SSH_AUTH_SOCK") != "":
		cfg.AuthMethod = AuthMethodAgent
	}

	if kh := q.Get("known_hosts"); kh != "" {
		cfg.KnownHostsPath = expandHome(kh)
	}
	if v := q.Get("insecure"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid insecure=%q: %w", v, err)
		}
		cfg.StrictHostKeyChecking = !insecure
	}
	if jump := q.Get("jump"); jump != "" {
		if err := cfg.setJump(jump); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// setJump parses [user@]host[:port].
func (c *Config) setJump(jump string) error {
	ju, err := url.Parse("ssh://" + jump)
	if err != nil || ju.Hostname() == "" {
		return fmt.Errorf("invalid jump host %q", jump)
	}
	c.ProxyHost = ju.Hostname()
	c.ProxyUser = c.User
	if ju.User != nil && ju.User.Username() != "" {
		c.ProxyUser = ju.User.Username()
	}
	if p := ju.Port(); p != "" {
		port, err := parsePort(p)
		if err != nil {
			return err
		}
		c.ProxyPort = port
	}
	return nil
}

func parsePort(p string) (int, error) {
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return port, nil
}

func expandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		return filepath.Join(os.Getenv("HOME"), p[2:])
	}
	return p
}

// Validate checks the settings and, for key auth without a path, picks the
// first default key that exists.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = findDefaultKey()
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("no private key configured and none found in ~/.ssh")
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}
	return nil
}

func findDefaultKey() string {
	dir := filepath.Join(os.Getenv("HOME"), ".ssh")
	for _, name := range defaultKeyNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// BuildSSHClientConfig creates the ssh.ClientConfig for the release host.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfigFor(c.User)
}

func (c *Config) clientConfigFor(user string) (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only offer keyboard-interactive for passwords.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
}

// Address returns host:port of the release host.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress returns host:port of the jump host, or "".
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// IsProxyEnabled reports whether a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
