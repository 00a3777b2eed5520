package dhcpclient

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/pkg/errors"
)

// ErrProtocol marks a malformed or unexpected reply, it is dropped
var ErrProtocol = errors.New("dhcp protocol error")

// errNotDHCP is returned for captured frames that are not server replies
var errNotDHCP = errors.New("not a dhcp reply")

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func transactionID(xid uint32) dhcpv4.TransactionID {
	var id dhcpv4.TransactionID
	binary.BigEndian.PutUint32(id[:], xid)
	return id
}

func xidOf(msg *dhcpv4.DHCPv4) uint32 {
	return binary.BigEndian.Uint32(msg.TransactionID[:])
}

func newDiscover(mac net.HardwareAddr, xid uint32) (*dhcpv4.DHCPv4, error) {
	return dhcpv4.NewDiscovery(mac,
		dhcpv4.WithTransactionID(transactionID(xid)),
		dhcpv4.WithBroadcast(true),
	)
}

func newRequest(mac net.HardwareAddr, xid uint32, offered, server net.IP) (*dhcpv4.DHCPv4, error) {
	return dhcpv4.New(
		dhcpv4.WithHwAddr(mac),
		dhcpv4.WithTransactionID(transactionID(xid)),
		dhcpv4.WithBroadcast(true),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(offered)),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(server)),
		dhcpv4.WithRequestedOptions(dhcpv4.OptionSubnetMask, dhcpv4.OptionRouter, dhcpv4.OptionIPAddressLeaseTime),
	)
}

// newRenew asks the server of a bound lease to extend it
func newRenew(mac net.HardwareAddr, xid uint32, leased net.IP) (*dhcpv4.DHCPv4, error) {
	return dhcpv4.New(
		dhcpv4.WithHwAddr(mac),
		dhcpv4.WithTransactionID(transactionID(xid)),
		dhcpv4.WithClientIP(leased),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
	)
}

func newRelease(mac net.HardwareAddr, xid uint32, leased, server net.IP) (*dhcpv4.DHCPv4, error) {
	return dhcpv4.New(
		dhcpv4.WithHwAddr(mac),
		dhcpv4.WithTransactionID(transactionID(xid)),
		dhcpv4.WithClientIP(leased),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRelease),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(server)),
	)
}

// frameSpec is the link and network addressing of an outgoing message
type frameSpec struct {
	srcMAC net.HardwareAddr
	dstMAC net.HardwareAddr
	vlan   int
	srcIP  net.IP
	dstIP  net.IP
}

func broadcastFrame(mac net.HardwareAddr, vlan int) frameSpec {
	return frameSpec{
		srcMAC: mac,
		dstMAC: broadcastMAC,
		vlan:   vlan,
		srcIP:  net.IPv4zero,
		dstIP:  net.IPv4bcast,
	}
}

func serializeFrame(f frameSpec, msg *dhcpv4.DHCPv4) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       f.srcMAC,
		DstMAC:       f.dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    f.srcIP.To4(),
		DstIP:    f.dstIP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(dhcpv4.ClientPort),
		DstPort: layers.UDPPort(dhcpv4.ServerPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	stack := []gopacket.SerializableLayer{eth}
	if f.vlan > 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, &layers.Dot1Q{
			VLANIdentifier: uint16(f.vlan),
			Type:           layers.EthernetTypeIPv4,
		})
	}
	stack = append(stack, ip, udp, gopacket.Payload(msg.ToBytes()))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %v", err)
	}
	return buf.Bytes(), nil
}

// reply is a decoded server message with the addressing it arrived with
type reply struct {
	msg    *dhcpv4.DHCPv4
	vlan   int
	srcMAC net.HardwareAddr
	srcIP  net.IP
}

type frameParser struct {
	eth    layers.Ethernet
	dot1q  layers.Dot1Q
	ip4    layers.IPv4
	udp    layers.UDP
	parser *gopacket.DecodingLayerParser
	layers []gopacket.LayerType
}

func newFrameParser() *frameParser {
	p := &frameParser{}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &p.eth, &p.dot1q, &p.ip4, &p.udp)
	// the udp payload is decoded by dhcpv4
	p.parser.IgnoreUnsupported = true
	return p
}

// parse decodes a captured frame. Frames that are not from a DHCP server return
// errNotDHCP, broken DHCP payloads return ErrProtocol.
func (p *frameParser) parse(data []byte) (*reply, error) {
	if err := p.parser.DecodeLayers(data, &p.layers); err != nil {
		return nil, errNotDHCP
	}

	r := &reply{}
	var gotUDP bool
	for _, t := range p.layers {
		switch t {
		case layers.LayerTypeDot1Q:
			r.vlan = int(p.dot1q.VLANIdentifier)
		case layers.LayerTypeEthernet:
			r.srcMAC = append(net.HardwareAddr(nil), p.eth.SrcMAC...)
		case layers.LayerTypeIPv4:
			r.srcIP = append(net.IP(nil), p.ip4.SrcIP...)
		case layers.LayerTypeUDP:
			gotUDP = true
		}
	}
	if !gotUDP || p.udp.SrcPort != layers.UDPPort(dhcpv4.ServerPort) {
		return nil, errNotDHCP
	}

	msg, err := dhcpv4.FromBytes(p.udp.Payload)
	if err != nil {
		return nil, errors.Wrapf(ErrProtocol, "undecodable payload from %s: %v", r.srcMAC, err)
	}
	if msg.OpCode != dhcpv4.OpcodeBootReply {
		return nil, errors.Wrapf(ErrProtocol, "opcode %s from %s", msg.OpCode, r.srcMAC)
	}
	r.msg = msg
	return r, nil
}

// subnetOf renders the leased network as cidr, empty when the server sent no mask
func subnetOf(msg *dhcpv4.DHCPv4) string {
	mask := msg.SubnetMask()
	if mask == nil || msg.YourIPAddr == nil {
		return ""
	}
	n := net.IPNet{IP: msg.YourIPAddr.Mask(mask), Mask: mask}
	return n.String()
}

func serverOf(r *reply) net.IP {
	if id := r.msg.ServerIdentifier(); id != nil {
		return id
	}
	if ip := r.msg.ServerIPAddr; ip != nil && !ip.IsUnspecified() {
		return ip
	}
	return r.srcIP
}

func routerOf(msg *dhcpv4.DHCPv4) net.IP {
	if routers := msg.Router(); len(routers) > 0 {
		return routers[0]
	}
	return nil
}
