//go:build linux

package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// AFPacket is a raw AF_PACKET socket bound to one interface.
type AFPacket struct {
	fd    int
	iface string
	once  sync.Once
}

// OpenAFPacket opens a socket receiving every frame on iface. Reads time
// out after timeout so callers can observe cancellation.
func OpenAFPacket(iface string, timeout time.Duration) (*AFPacket, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("AF_PACKET socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  link.Attrs().Index,
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", iface, err)
	}

	if timeout <= 0 {
		timeout = time.Second
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_RCVTIMEO: %w", err)
	}
	return &AFPacket{fd: fd, iface: iface}, nil
}

// ReadFrame reads one frame into buf.
func (s *AFPacket) ReadFrame(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("recv %s: %w", s.iface, err)
	}
	return n, nil
}

// Close closes the socket.
func (s *AFPacket) Close() error {
	var err error
	s.once.Do(func() { err = unix.Close(s.fd) })
	return err
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}
