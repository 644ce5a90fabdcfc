package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// maxDatagramSize bounds a single framed message; full states beyond this are
// not sent and reconciliation degrades to delta repair via state hashes.
const maxDatagramSize = 65_000

var (
	// ErrTransportClosed indicates a send after Close.
	ErrTransportClosed = errors.New("mesh: transport closed")
	// ErrPayloadTooLarge indicates a payload exceeding the datagram bound.
	ErrPayloadTooLarge = errors.New("mesh: payload exceeds datagram size")
)

// DatagramHandler receives each inbound datagram with its sender address.
type DatagramHandler func(payload []byte, remoteIP string, remotePort int)

// Transport sends and receives framed gossip datagrams. The engine talks to
// this interface; tests substitute an in-memory loopback.
type Transport interface {
	Start(handler DatagramHandler) error
	SendBroadcast(payload []byte) error
	SendUnicast(payload []byte, ip string) error
	Close() error
}

// UDPTransportConfig describes the socket parameters.
type UDPTransportConfig struct {
	Port             int
	BroadcastAddress string
	Logger           *zap.Logger
}

// UDPTransport is a single UDP endpoint bound on the well-known port, with
// broadcast enabled on the socket by the listen control hook before bind.
type UDPTransport struct {
	port          int
	broadcastAddr *net.UDPAddr
	conn          *net.UDPConn
	logger        *zap.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewUDPTransport binds the endpoint and resolves the broadcast destination.
func NewUDPTransport(cfg UDPTransportConfig) (*UDPTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	listenConfig := net.ListenConfig{Control: enableBroadcast}
	packetConn, err := listenConfig.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("mesh: unable to bind udp port %d: %w", cfg.Port, err)
	}
	conn, ok := packetConn.(*net.UDPConn)
	if !ok {
		packetConn.Close()
		return nil, fmt.Errorf("mesh: unexpected packet conn type %T", packetConn)
	}

	broadcastIP := cfg.BroadcastAddress
	if broadcastIP == "" {
		broadcastIP = deriveBroadcastAddress()
	}
	parsed := net.ParseIP(broadcastIP)
	if parsed == nil {
		conn.Close()
		return nil, fmt.Errorf("mesh: invalid broadcast address %q", broadcastIP)
	}

	transport := &UDPTransport{
		port:          cfg.Port,
		broadcastAddr: &net.UDPAddr{IP: parsed, Port: cfg.Port},
		conn:          conn,
		logger:        logger,
		done:          make(chan struct{}),
	}
	logger.Info("udp transport bound",
		zap.Int("port", cfg.Port),
		zap.String("broadcast", broadcastIP))
	return transport, nil
}

// Start launches the receive loop delivering datagrams to the handler.
func (t *UDPTransport) Start(handler DatagramHandler) error {
	if handler == nil {
		return errors.New("mesh: datagram handler required")
	}
	go t.runReceive(handler)
	return nil
}

// SendBroadcast sends one datagram to the subnet broadcast address.
func (t *UDPTransport) SendBroadcast(payload []byte) error {
	return t.send(payload, t.broadcastAddr)
}

// SendUnicast sends one datagram to a specific peer address.
func (t *UDPTransport) SendUnicast(payload []byte, ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("mesh: invalid peer address %q", ip)
	}
	return t.send(payload, &net.UDPAddr{IP: parsed, Port: t.port})
}

// Close shuts the socket and stops the receive loop.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	err := t.conn.Close()
	<-t.done
	return err
}

func (t *UDPTransport) send(payload []byte, addr *net.UDPAddr) error {
	if len(payload) > maxDatagramSize {
		return ErrPayloadTooLarge
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if _, err := t.conn.WriteToUDP(payload, addr); err != nil {
		return err
	}
	return nil
}

func (t *UDPTransport) runReceive(handler DatagramHandler) {
	defer close(t.done)
	buffer := make([]byte, maxDatagramSize)
	for {
		readSize, remoteAddr, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.logger.Warn("udp read failed", zap.Error(err))
			continue
		}
		if readSize <= 0 {
			continue
		}
		payload := make([]byte, readSize)
		copy(payload, buffer[:readSize])
		handler(payload, remoteAddr.IP.String(), remoteAddr.Port)
	}
}

// deriveBroadcastAddress computes the local subnet broadcast from the first
// usable IPv4 interface netmask, falling back to the limited broadcast.
func deriveBroadcastAddress() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "255.255.255.255"
	}
	for _, networkInterface := range interfaces {
		if networkInterface.Flags&net.FlagUp == 0 || networkInterface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addresses, err := networkInterface.Addrs()
		if err != nil {
			continue
		}
		for _, address := range addresses {
			ipNet, ok := address.(*net.IPNet)
			if !ok {
				continue
			}
			ipv4 := ipNet.IP.To4()
			if ipv4 == nil {
				continue
			}
			mask := ipNet.Mask
			if len(mask) != net.IPv4len {
				mask = mask[len(mask)-net.IPv4len:]
			}
			broadcast := make(net.IP, net.IPv4len)
			for index := 0; index < net.IPv4len; index++ {
				broadcast[index] = ipv4[index] | ^mask[index]
			}
			return broadcast.String()
		}
	}
	return "255.255.255.255"
}

func enableBroadcast(network, address string, rawConn syscall.RawConn) error {
	var controlErr error
	err := rawConn.Control(func(descriptor uintptr) {
		controlErr = syscall.SetsockoptInt(int(descriptor), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return controlErr
}
