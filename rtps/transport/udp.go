package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/liamstask/go-rtps/internal/logging"
	"github.com/liamstask/go-rtps/rtps"
)

type UDPConfig struct {
	// Interface names the network interface to use. Empty picks the
	// first one that is up and multicast capable.
	Interface    string        `toml:"interface"`
	MulticastTTL int           `toml:"multicast_ttl"`
	SendRetry    time.Duration `toml:"send_retry"` // total time spent retrying a send
	MaxMessage   int           `toml:"max_message_size"`
}

func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		MulticastTTL: 1,
		SendRetry:    50 * time.Millisecond,
		MaxMessage:   rtps.DefaultMaxMessageSize,
	}
}

// UDP is an ipv4 transport. One unbound socket sends everything; each
// input channel owns a bound socket read by its own goroutine.
type UDP struct {
	cfg   UDPConfig
	log   *zap.Logger
	iface *net.Interface
	ip    net.IP

	conn  *net.UDPConn
	pconn *ipv4.PacketConn

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu     sync.Mutex
	inputs map[rtps.Locator]net.PacketConn
	closed bool
}

func NewUDP(cfg UDPConfig, log *zap.Logger) (*UDP, error) {
	if cfg.SendRetry <= 0 {
		cfg.SendRetry = DefaultUDPConfig().SendRetry
	}
	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = rtps.DefaultMaxMessageSize
	}
	log = logging.OrNop(log).Named("udp")

	iface, err := findInterface(cfg.Interface)
	if err != nil {
		return nil, err
	}
	ip := net.IPv4(127, 0, 0, 1)
	if iface != nil {
		if ip, err = interfaceIP(iface); err != nil {
			return nil, err
		}
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("send socket: %w", err)
	}
	pconn := ipv4.NewPacketConn(conn)
	err = multierr.Combine(
		pconn.SetMulticastTTL(cfg.MulticastTTL),
		pconn.SetMulticastLoopback(true),
	)
	if iface != nil {
		err = multierr.Append(err, pconn.SetMulticastInterface(iface))
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("send socket options: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	u := &UDP{
		cfg:    cfg,
		log:    log,
		iface:  iface,
		ip:     ip,
		conn:   conn,
		pconn:  pconn,
		ctx:    ctx,
		cancel: cancel,
		g:      g,
		inputs: make(map[rtps.Locator]net.PacketConn),
	}
	name := "any"
	if iface != nil {
		name = iface.Name
	}
	log.Info("udp transport up", zap.String("interface", name), zap.Stringer("ip", ip))
	return u, nil
}

// findInterface returns the named interface, or the first one that is up
// and multicast capable. No such interface is not an error: the kernel
// then picks one and unicast uses the loopback address.
func findInterface(name string) (*net.Interface, error) {
	if name != "" {
		return net.InterfaceByName(name)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	mask := net.FlagUp | net.FlagMulticast
	for _, ifi := range ifaces {
		if ifi.Flags&mask == mask && ifi.Flags&net.FlagLoopback == 0 {
			if _, err := interfaceIP(&ifi); err == nil {
				return &ifi, nil
			}
		}
	}
	return nil, nil
}

func interfaceIP(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if ifa, ok := addr.(*net.IPNet); ok {
			if ip4 := ifa.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("interface %s has no ipv4 address", iface.Name)
}

func (u *UDP) Kind() int32 {
	return rtps.LOCATOR_KIND_UDPV4
}

func (u *UDP) UnicastLocator(port uint32) rtps.Locator {
	return rtps.NewUDPv4Locator(u.ip, uint16(port))
}

func (u *UDP) MulticastLocator(port uint32) rtps.Locator {
	return rtps.NewUDPv4Locator(DefaultMulticastGroup, uint16(port))
}

func (u *UDP) OpenInputChannel(loc rtps.Locator, fn ReceiveFunc) error {
	if loc.Kind != rtps.LOCATOR_KIND_UDPV4 {
		return fmt.Errorf("%v: %w", loc, ErrUnsupported)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	if _, ok := u.inputs[loc]; ok {
		return fmt.Errorf("%v: %w", loc, ErrAddressInUse)
	}

	var c net.PacketConn
	var err error
	if loc.IsMulticast() {
		c, err = u.listenMulticast(loc)
	} else {
		c, err = net.ListenUDP("udp4", &net.UDPAddr{Port: int(loc.Port)})
	}
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			err = fmt.Errorf("%v: %w", err, ErrAddressInUse)
		}
		return err
	}
	u.inputs[loc] = c
	u.log.Debug("input channel open", zap.Stringer("locator", loc))

	u.g.Go(func() error {
		u.receive(loc, c, fn)
		return nil
	})
	return nil
}

// listenMulticast binds the group port with address and port reuse so
// every participant on the host can join, then joins the group.
func (u *UDP) listenMulticast(loc rtps.Locator) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	c, err := lc.ListenPacket(u.ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", loc.Port))
	if err != nil {
		return nil, err
	}
	p := ipv4.NewPacketConn(c)
	if err := p.JoinGroup(u.iface, &net.UDPAddr{IP: loc.IP()}); err != nil {
		c.Close()
		return nil, fmt.Errorf("join %v: %w", loc.IP(), err)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		u.log.Debug("multicast loopback", zap.Error(err))
	}
	return c, nil
}

func (u *UDP) receive(loc rtps.Locator, c net.PacketConn, fn ReceiveFunc) {
	buf := make([]byte, 1<<16)
	warn := logging.NewRateLimited(u.log, time.Second)
	for {
		n, _, err := c.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || u.ctx.Err() != nil {
				return
			}
			warn.Warn("read failed", zap.Stringer("locator", loc), zap.Error(err))
			continue
		}
		fn(buf[:n])
	}
}

// Send writes b to loc, retrying briefly while the kernel is short of
// buffers.
func (u *UDP) Send(b []byte, loc rtps.Locator) error {
	if loc.Kind != rtps.LOCATOR_KIND_UDPV4 {
		return fmt.Errorf("%v: %w", loc, ErrUnsupported)
	}
	addr := loc.UDPAddr()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxElapsedTime = u.cfg.SendRetry
	return backoff.Retry(func() error {
		_, err := u.conn.WriteToUDP(b, addr)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func retryable(err error) bool {
	return errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	err := u.conn.Close()
	for _, c := range u.inputs {
		err = multierr.Append(err, c.Close())
	}
	u.mu.Unlock()

	u.cancel()
	return multierr.Append(err, u.g.Wait())
}
