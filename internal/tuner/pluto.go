package tuner

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rjboer/GoDownmix/internal/logging"
	"github.com/rjboer/GoDownmix/internal/mdns"
)

const (
	plutoMinLOHz = 70_000_000
	plutoMaxLOHz = 6_000_000_000

	defaultPhyDevice = "iio:device1"
	rxLOChannel      = "altvoltage0_RX_LO"
	frequencyAttr    = "frequency"
)

// PlutoConfig describes how to reach the Pluto over SSH. An empty Host is
// resolved with mDNS.
type PlutoConfig struct {
	Host      string
	User      string
	Password  string
	KeyPath   string
	Port      int
	SysfsRoot string
	PhyDevice string
}

// Pluto sets the AD9361 RX LO by writing its sysfs attribute over SSH.
type Pluto struct {
	mu     sync.Mutex
	cfg    PlutoConfig
	client *ssh.Client
	logger logging.Logger
}

// Discoverer finds IIOD hosts on the local network.
type Discoverer func(ctx context.Context) ([]mdns.Host, error)

// NewPluto validates configuration and resolves the host when needed.
// discover may be nil, in which case an empty Host is an error.
func NewPluto(ctx context.Context, cfg PlutoConfig, discover Discoverer, logger logging.Logger) (*Pluto, error) {
	logger = logging.Or(logger).With(logging.F("subsystem", "pluto"))
	if cfg.Host == "" {
		if discover == nil {
			return nil, fmt.Errorf("ssh host is required for the pluto tuner")
		}
		hosts, err := discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover pluto: %w", err)
		}
		addr, ok := mdns.FirstAddress(hosts)
		if !ok {
			return nil, fmt.Errorf("discover pluto: no IIOD host found")
		}
		logger.Info("pluto discovered", logging.F("host", addr))
		cfg.Host = addr
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/bus/iio/devices"
	}
	if cfg.PhyDevice == "" {
		cfg.PhyDevice = defaultPhyDevice
	}
	return &Pluto{cfg: cfg, logger: logger}, nil
}

// SetFrequency writes the RX LO frequency.
func (p *Pluto) SetFrequency(ctx context.Context, hz int64) error {
	if hz < plutoMinLOHz || hz > plutoMaxLOHz {
		return fmt.Errorf("%w: %d Hz for pluto LO", ErrFrequencyRange, hz)
	}
	client, err := p.dial(ctx)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		p.reset()
		return fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	cmd := writeCommand(p.attributePath(p.cfg.PhyDevice, rxLOChannel, frequencyAttr), strconv.FormatInt(hz, 10))
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("write sysfs attribute via ssh: %w", err)
	}
	return nil
}

func (p *Pluto) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

func (p *Pluto) reset() {
	p.mu.Lock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.mu.Unlock()
}

func (p *Pluto) dial(ctx context.Context) (*ssh.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	auth := []ssh.AuthMethod{}
	if p.cfg.Password != "" {
		auth = append(auth, ssh.Password(p.cfg.Password))
	}
	if p.cfg.KeyPath != "" {
		key, err := os.ReadFile(p.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User:            p.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	p.client = ssh.NewClient(clientConn, chans, reqs)
	p.logger.Debug("ssh session established", logging.F("addr", addr))
	return p.client, nil
}

// attributePath maps an IIO (device, channel, attr) triple to its sysfs
// file. Output channels (LOs) use the out_ prefix.
func (p *Pluto) attributePath(device, channel, attr string) string {
	base := path.Join(p.cfg.SysfsRoot, device)
	if channel == "" {
		return path.Join(base, attr)
	}

	prefix := "in"
	lower := strings.ToLower(channel)
	if strings.HasPrefix(lower, "altvoltage") || strings.HasPrefix(lower, "out_") {
		prefix = "out"
	}
	return path.Join(base, fmt.Sprintf("%s_%s_%s", prefix, channel, attr))
}

func writeCommand(target, value string) string {
	return fmt.Sprintf("printf %s > %s", shellQuote(value), shellQuote(target))
}

// shellQuote returns a value wrapped in single quotes with embedded quotes
// escaped for safe shell usage.
func shellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", "'\\''")
	return fmt.Sprintf("'%s'", escaped)
}
