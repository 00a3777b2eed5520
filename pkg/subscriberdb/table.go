// Package subscriberdb holds the statically pinned subscriber addresses. The
// entries come from a watched YAML file or from a ConfigMap.
package subscriberdb

import (
	"context"
	"fmt"
	"net"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/infrastructure-io/mobilityd/pkg/lock"
)

// Entry pins sid to ip. An empty apn applies to every apn of the subscriber.
type Entry struct {
	SID string `yaml:"sid"`
	APN string `yaml:"apn,omitempty"`
	IP  string `yaml:"ip"`
}

type document struct {
	Subscribers []Entry `yaml:"subscribers"`
}

func normalizeSID(sid string) string {
	return strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(sid)), "IMSI")
}

func entryKey(sid, apn string) string {
	return normalizeSID(sid) + "/" + strings.ToLower(apn)
}

// Parse decodes a subscriber document, every entry must carry a sid and a valid ip
func Parse(data []byte) (map[string]net.IP, error) {
	doc := document{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode subscribers: %v", err)
	}

	result := make(map[string]net.IP, len(doc.Subscribers))
	for i, e := range doc.Subscribers {
		if normalizeSID(e.SID) == "" {
			return nil, fmt.Errorf("entry %d has no sid", i)
		}
		ip := net.ParseIP(strings.TrimSpace(e.IP))
		if ip == nil {
			return nil, fmt.Errorf("entry %d of %s has invalid ip %q", i, e.SID, e.IP)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		key := entryKey(e.SID, e.APN)
		if _, ok := result[key]; ok {
			return nil, fmt.Errorf("duplicate entry for %s apn %q", e.SID, e.APN)
		}
		result[key] = ip
	}
	return result, nil
}

// Table is the in-memory lookup shared by the backends
type Table struct {
	lock    lock.RWMutex
	entries map[string]net.IP
}

func (t *Table) set(entries map[string]net.IP) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.entries = entries
}

func (t *Table) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.entries)
}

// GetStaticIP returns the address pinned for (sid, apn), falling back to the
// entry without apn. nil when the subscriber is not pinned.
func (t *Table) GetStaticIP(_ context.Context, sid, apn string) (net.IP, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if ip, ok := t.entries[entryKey(sid, apn)]; ok {
		return append(net.IP(nil), ip...), nil
	}
	if ip, ok := t.entries[entryKey(sid, "")]; ok {
		return append(net.IP(nil), ip...), nil
	}
	return nil, nil
}
