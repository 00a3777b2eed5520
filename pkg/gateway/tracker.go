// Package gateway tracks the uplink default gateway of every VLAN
package gateway

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/infrastructure-io/mobilityd/pkg/lock"
	"github.com/infrastructure-io/mobilityd/pkg/log"
	"github.com/infrastructure-io/mobilityd/pkg/store"
)

// Record is the gateway of one VLAN, VLAN 0 is untagged
type Record struct {
	VlanID int    `json:"vlanId"`
	IP     net.IP `json:"ip"`
	// MAC stays empty until it is learned for the current IP
	MAC string `json:"mac,omitempty"`
}

type Tracker struct {
	log   *zap.SugaredLogger
	lock  lock.RWMutex
	data  map[int]*Record
	table *store.Table[Record]

	// replaced in tests
	lookupHost func() (net.IP, net.HardwareAddr, error)
}

func NewTracker(p store.Provider) *Tracker {
	return &Tracker{
		log:        log.Logger.Named("gateway"),
		data:       make(map[int]*Record),
		table:      store.NewTable[Record](p, store.TableGatewayInfo),
		lookupHost: hostDefaultGateway,
	}
}

func vlanKey(vlan int) string {
	return strconv.Itoa(vlan)
}

// Restore loads the persisted records, used after a restart
func (t *Tracker) Restore(ctx context.Context) error {
	all, err := t.table.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load gateway records: %v", err)
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	for _, v := range all {
		r := v.Value
		t.data[r.VlanID] = &r
	}
	t.log.Infof("restored %d gateway records", len(all))
	return nil
}

// persist writes r while the caller holds the lock, so the store sees the
// updates in memory order. A mac is only written next to the ip it was learned for.
func (t *Tracker) persist(ctx context.Context, r Record) error {
	return t.table.Update(ctx, vlanKey(r.VlanID), func(cur *Record) (*Record, error) {
		if r.MAC != "" && cur != nil && !cur.IP.Equal(r.IP) {
			t.log.Debugf("skip stale mac %s of %s on vlan %d, stored gateway is %s", r.MAC, r.IP, r.VlanID, cur.IP)
			return cur, nil
		}
		return &r, nil
	})
}

// UpdateIP records the gateway IP of vlan. A changed IP forgets the MAC, it
// belongs to the previous gateway. A nil ip is ignored.
func (t *Tracker) UpdateIP(ctx context.Context, ip net.IP, vlan int) error {
	if len(ip) == 0 || ip.IsUnspecified() {
		return nil
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	cur, ok := t.data[vlan]
	if ok && cur.IP.Equal(ip) {
		return nil
	}
	r := Record{VlanID: vlan, IP: ip}
	t.data[vlan] = &r

	t.log.Infof("gateway of vlan %d is now %s", vlan, ip)
	return t.persist(ctx, r)
}

// UpdateMAC records mac for the gateway of vlan, unless ip is not the current gateway
func (t *Tracker) UpdateMAC(ctx context.Context, ip net.IP, mac net.HardwareAddr, vlan int) error {
	if len(ip) == 0 || len(mac) == 0 {
		return nil
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	cur, ok := t.data[vlan]
	if !ok || !cur.IP.Equal(ip) {
		t.log.Debugf("ignore stale mac %s of %s on vlan %d", mac, ip, vlan)
		return nil
	}
	if cur.MAC == mac.String() {
		return nil
	}
	cur.MAC = mac.String()

	t.log.Debugf("gateway %s of vlan %d has mac %s", ip, vlan, mac)
	return t.persist(ctx, *cur)
}

func (t *Tracker) GetGatewayIP(vlan int) net.IP {
	t.lock.RLock()
	defer t.lock.RUnlock()
	if r, ok := t.data[vlan]; ok {
		return append(net.IP(nil), r.IP...)
	}
	return nil
}

func (t *Tracker) GetGatewayMAC(vlan int) net.HardwareAddr {
	t.lock.RLock()
	defer t.lock.RUnlock()
	r, ok := t.data[vlan]
	if !ok || r.MAC == "" {
		return nil
	}
	mac, err := net.ParseMAC(r.MAC)
	if err != nil {
		return nil
	}
	return mac
}

// GetAllRouterIPs returns a copy of every record ordered by vlan
func (t *Tracker) GetAllRouterIPs() []Record {
	t.lock.RLock()
	defer t.lock.RUnlock()

	result := make([]Record, 0, len(t.data))
	for _, r := range t.data {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].VlanID < result[j].VlanID })
	return result
}

// SeedFromHost learns the untagged gateway from the host routing and neighbor tables
func (t *Tracker) SeedFromHost(ctx context.Context) error {
	ip, mac, err := t.lookupHost()
	if err != nil {
		return fmt.Errorf("failed to read host default gateway: %v", err)
	}
	if err := t.UpdateIP(ctx, ip, 0); err != nil {
		return err
	}
	return t.UpdateMAC(ctx, ip, mac, 0)
}
