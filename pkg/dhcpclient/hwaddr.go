package dhcpclient

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"
)

// locally administered, unicast
const derivedMACPrefix = 0x8a

// MACFromSubscriber derives a stable hardware address for a subscriber id. Numeric
// ids (with or without the IMSI prefix) keep their low 40 bits so the mac is readable
// against the id, anything else is hashed.
func MACFromSubscriber(sid string) net.HardwareAddr {
	return macFromValue(subscriberValue(sid))
}

// MACFromSession derives the hardware address of one (subscriber, apn) session,
// so each apn of a subscriber holds its own lease. An empty apn gives the
// subscriber's own address.
func MACFromSession(sid, apn string) net.HardwareAddr {
	v := subscriberValue(sid)
	if apn != "" {
		h := fnv.New64a()
		h.Write([]byte(strings.ToLower(apn)))
		v ^= h.Sum64()
	}
	return macFromValue(v)
}

func subscriberValue(sid string) uint64 {
	digits := strings.TrimPrefix(strings.ToUpper(sid), "IMSI")
	if n, err := strconv.ParseUint(digits, 10, 64); err == nil && digits != "" {
		return n
	}
	h := fnv.New64a()
	h.Write([]byte(sid))
	return h.Sum64()
}

func macFromValue(v uint64) net.HardwareAddr {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	mac := make(net.HardwareAddr, 6)
	mac[0] = derivedMACPrefix
	copy(mac[1:], buf[3:])
	return mac
}

// LeaseKey identifies the lease of a device on a vlan
func LeaseKey(mac net.HardwareAddr, vlan int) string {
	return fmt.Sprintf("%s.%d", mac, vlan)
}
