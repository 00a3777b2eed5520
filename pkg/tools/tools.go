package tools

import (
	"bytes"
	"fmt"
	"net"
	"regexp"
)

// IsValidInterfaceName checks if the interface name is valid
func IsValidInterfaceName(name string) bool {
	// Linux interface naming conventions
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_.-]+$`, name)
	return matched && len(name) <= 15
}

// ValidateInterfaceExists checks if a network interface exists on the system
func ValidateInterfaceExists(ifaceName string) error {
	if !IsValidInterfaceName(ifaceName) {
		return fmt.Errorf("invalid interface name %q", ifaceName)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("failed to get network interfaces: %v", err)
	}

	for _, iface := range ifaces {
		if iface.Name == ifaceName {
			return nil
		}
	}

	return fmt.Errorf("interface %s does not exist on the system", ifaceName)
}

// ValidateVlanID accepts 0 for untagged traffic and the 802.1Q ids 1-4094
func ValidateVlanID(id int) error {
	if id < 0 || id > 4094 {
		return fmt.Errorf("vlan id %d out of range 0-4094", id)
	}
	return nil
}

// CompareIP orders addresses bytewise, an ipv4 address equals its 16 byte form
func CompareIP(a, b net.IP) int {
	if a4, b4 := a.To4(), b.To4(); a4 != nil && b4 != nil {
		a, b = a4, b4
	}
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	return bytes.Compare(a, b)
}
