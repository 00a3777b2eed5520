package dhcpclient

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
)

// ErrReadTimeout is returned by a Link read that saw no frame in time
var ErrReadTimeout = errors.New("link read timeout")

// Link sends and captures raw ethernet frames
type Link interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	WritePacketData(data []byte) error
	Close()
}

// server replies, tagged or not
const replyFilter = "(udp and src port 67) or (vlan and udp and src port 67)"

type pcapLink struct {
	*pcap.Handle
}

func (l *pcapLink) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := l.Handle.ReadPacketData()
	if err == pcap.NextErrorTimeoutExpired {
		return nil, ci, ErrReadTimeout
	}
	return data, ci, err
}

// OpenLink opens iface with libpcap. Reads return ErrReadTimeout after readTimeout
// so the capture loop notices a stop request.
func OpenLink(iface string, readTimeout time.Duration) (Link, error) {
	handle, err := pcap.OpenLive(iface, 65536, true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("pcap.OpenLive(%s) failed: %v", iface, err)
	}
	if err := handle.SetBPFFilter(replyFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set capture filter on %s: %v", iface, err)
	}
	return &pcapLink{Handle: handle}, nil
}
