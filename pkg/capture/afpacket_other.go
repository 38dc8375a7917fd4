//go:build !linux

package capture

import (
	"errors"
	"time"
)

// AFPacket is only available on Linux.
type AFPacket struct{}

// OpenAFPacket always fails outside Linux.
func OpenAFPacket(iface string, timeout time.Duration) (*AFPacket, error) {
	return nil, errors.New("AF_PACKET capture requires linux")
}

func (s *AFPacket) ReadFrame(buf []byte) (int, error) { return 0, errors.New("unsupported") }

func (s *AFPacket) Close() error { return nil }
