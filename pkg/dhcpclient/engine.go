// Package dhcpclient leases addresses from an upstream DHCP server on behalf of
// subscriber devices, one derived hardware address per device.
package dhcpclient

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/infrastructure-io/mobilityd/pkg/gateway"
	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/lock"
	"github.com/infrastructure-io/mobilityd/pkg/log"
	"github.com/infrastructure-io/mobilityd/pkg/metrics"
)

var (
	errNak      = errors.New("request refused by server")
	errReleased = errors.New("lease released")
)

type Config struct {
	// RetryLimit is the number of retransmissions or restarts one call may spend
	RetryLimit int
	// RetransmitInterval bounds every wait for a reply
	RetransmitInterval time.Duration
	// RenewFraction of the lease time after which a touch renews the lease
	RenewFraction float64
	// SweepInterval is the period of the renewal sweep
	SweepInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.RetransmitInterval <= 0 {
		c.RetransmitInterval = 2 * time.Second
	}
	if c.RenewFraction <= 0 || c.RenewFraction >= 1 {
		c.RenewFraction = 0.5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
}

type Engine struct {
	log      *zap.SugaredLogger
	config   Config
	link     Link
	leases   *LeaseStore
	gateways *gateway.Tracker
	clock    clock.Clock

	xid      atomic.Uint32
	sendLock lock.Mutex
	// collapses concurrent touches of one lease
	touches singleflight.Group

	stopCtx       context.Context
	stopCtxCancel context.CancelFunc
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewEngine returns an engine sending and capturing on link. gateways may be nil.
func NewEngine(config Config, link Link, leases *LeaseStore, gateways *gateway.Tracker, clk clock.Clock) *Engine {
	config.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		log:           log.Logger.Named("dhcpclient"),
		config:        config,
		link:          link,
		leases:        leases,
		gateways:      gateways,
		clock:         clk,
		stopCtx:       ctx,
		stopCtxCancel: cancel,
	}
	e.xid.Store(rand.Uint32())
	return e
}

func (e *Engine) Leases() *LeaseStore {
	return e.leases
}

// Run starts the capture loop and the renewal sweep
func (e *Engine) Run() {
	e.wg.Add(2)
	go e.captureLoop()
	go func() {
		defer e.wg.Done()
		wait.UntilWithContext(e.stopCtx, e.sweep, e.config.SweepInterval)
	}()
	e.log.Infof("dhcp client started, retry limit %d, retransmit interval %s", e.config.RetryLimit, e.config.RetransmitInterval)
}

// Stop ends the background tasks and closes the link
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopCtxCancel()
		e.wg.Wait()
		e.link.Close()
		e.log.Info("dhcp client stopped")
	})
}

func (e *Engine) nextXid() uint32 {
	return e.xid.Add(1)
}

func (e *Engine) send(frame []byte) error {
	e.sendLock.Lock()
	defer e.sendLock.Unlock()
	return e.link.WritePacketData(frame)
}

// backoff sleeps one retransmit interval
func (e *Engine) backoff(ctx context.Context) error {
	t := time.NewTimer(e.config.RetransmitInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetLease returns a copy of the lease of mac on vlan
func (e *Engine) GetLease(mac net.HardwareAddr, vlan int) (Lease, bool) {
	return e.leases.Get(LeaseKey(mac, vlan))
}

// startDiscover resets the lease of mac to DISCOVER under a new transaction
func (e *Engine) startDiscover(mac net.HardwareAddr, vlan int) (uint32, *dhcpv4.DHCPv4, error) {
	xid := e.nextXid()
	e.leases.Set(Lease{MAC: mac.String(), VlanID: vlan, State: StateDiscover, Xid: xid})
	msg, err := newDiscover(mac, xid)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build discover: %v", err)
	}
	return xid, msg, nil
}

// SendDiscover starts a new transaction for mac and broadcasts one DISCOVER
func (e *Engine) SendDiscover(mac net.HardwareAddr, vlan int) error {
	_, msg, err := e.startDiscover(mac, vlan)
	if err != nil {
		return err
	}
	frame, err := serializeFrame(broadcastFrame(mac, vlan), msg)
	if err != nil {
		return err
	}
	return e.send(frame)
}

// Allocate returns a bound lease for mac on vlan. A bound lease past its renewal
// point is renewed first, an expired one is acquired again.
func (e *Engine) Allocate(ctx context.Context, mac net.HardwareAddr, vlan int) (Lease, error) {
	key := LeaseKey(mac, vlan)
	v, err, _ := e.touches.Do(key, func() (interface{}, error) {
		return e.touch(ctx, mac, vlan)
	})
	if err != nil {
		return Lease{}, err
	}
	return v.(Lease), nil
}

func (e *Engine) touch(ctx context.Context, mac net.HardwareAddr, vlan int) (Lease, error) {
	key := LeaseKey(mac, vlan)

	if l, ok := e.leases.Get(key); ok && l.State == StateAck {
		switch l.action(e.clock.Now(), e.config.RenewFraction) {
		case actionKeep:
			return l, nil
		case actionRenew:
			renewed, err := e.renew(ctx, l)
			if err == nil {
				return renewed, nil
			}
			if !errors.Is(err, errNak) && e.clock.Now().Before(l.ExpiresAt()) {
				e.log.Warnf("%s: renewal of %s failed, lease valid until %s: %v", key, l.IP, l.ExpiresAt().Format(time.RFC3339), err)
				return l, nil
			}
			e.log.Infof("%s: renewal of %s failed, discover again: %v", key, l.IP, err)
		}
	}
	return e.dora(ctx, mac, vlan)
}

// Renew extends the bound lease of mac now, whatever its age
func (e *Engine) Renew(ctx context.Context, mac net.HardwareAddr, vlan int) (Lease, error) {
	key := LeaseKey(mac, vlan)
	v, err, _ := e.touches.Do(key, func() (interface{}, error) {
		l, ok := e.leases.Get(key)
		if !ok || l.State != StateAck {
			return Lease{}, errors.Wrapf(ipalloc.ErrMappingNotFound, "no bound lease for %s", key)
		}
		renewed, err := e.renew(ctx, l)
		switch {
		case err == nil:
			return renewed, nil
		case errors.Is(err, errNak):
			return e.dora(ctx, mac, vlan)
		default:
			return Lease{}, errors.Wrapf(ipalloc.ErrAllocationFailed, "renew %s: %v", key, err)
		}
	})
	if err != nil {
		return Lease{}, err
	}
	return v.(Lease), nil
}

// exchange sends msg and waits for done, resending on timeout or send error
// while budget lasts
func (e *Engine) exchange(ctx context.Context, key string, f frameSpec, msg *dhcpv4.DHCPv4, budget *int, done func(l *Lease) bool) (Lease, error) {
	frame, err := serializeFrame(f, msg)
	if err != nil {
		return Lease{}, err
	}

	for {
		if err := e.send(frame); err != nil {
			e.log.Warnf("%s: failed to send %s: %v", key, msg.MessageType(), err)
			if err := e.backoff(ctx); err != nil {
				return Lease{}, err
			}
		} else {
			waitCtx, cancel := context.WithTimeout(ctx, e.config.RetransmitInterval)
			l, err := e.leases.Wait(waitCtx, key, func(l *Lease) bool {
				return l == nil || done(l)
			})
			cancel()
			if err == nil {
				if l.MAC == "" {
					return Lease{}, errReleased
				}
				return l, nil
			}
			if ctx.Err() != nil {
				return Lease{}, ctx.Err()
			}
		}

		if *budget <= 0 {
			return Lease{}, fmt.Errorf("no reply to %s", msg.MessageType())
		}
		*budget--
		metrics.DhcpRetransmits.Inc()
		e.log.Debugf("%s: retransmit %s xid 0x%08x", key, msg.MessageType(), xidOf(msg))
	}
}

// dora runs discover, offer, request, ack until bound or out of budget
func (e *Engine) dora(ctx context.Context, mac net.HardwareAddr, vlan int) (Lease, error) {
	key := LeaseKey(mac, vlan)
	budget := e.config.RetryLimit

	for {
		xid, discover, err := e.startDiscover(mac, vlan)
		if err != nil {
			return Lease{}, e.fail(key, err)
		}

		offer, err := e.exchange(ctx, key, broadcastFrame(mac, vlan), discover, &budget, func(l *Lease) bool {
			return l.Xid == xid && l.State == StateOffer
		})
		if err != nil {
			return Lease{}, e.fail(key, err)
		}
		e.log.Debugf("%s: offered %s by %s", key, offer.IP, offer.ServerIP)

		if _, ok := e.leases.Update(key, func(l *Lease) bool {
			if l.Xid != xid || l.State != StateOffer {
				return false
			}
			l.State = StateRequest
			return true
		}); !ok {
			return Lease{}, e.fail(key, fmt.Errorf("offer of xid 0x%08x superseded", xid))
		}

		request, err := newRequest(mac, xid, offer.IP, offer.ServerIP)
		if err != nil {
			return Lease{}, e.fail(key, fmt.Errorf("failed to build request: %v", err))
		}
		got, err := e.exchange(ctx, key, broadcastFrame(mac, vlan), request, &budget, func(l *Lease) bool {
			return l.Xid == xid && (l.State == StateAck || l.State == StateDiscover)
		})
		if err != nil {
			return Lease{}, e.fail(key, err)
		}

		if got.State == StateAck {
			if err := e.leases.Save(ctx, got); err != nil {
				e.log.Warnf("%s: failed to persist lease of %s: %v", key, got.IP, err)
			}
			metrics.DhcpTransactions.WithLabelValues("ack").Inc()
			e.log.Infof("%s: leased %s from %s for %s", key, got.IP, got.ServerIP, got.LeaseTime)
			return got, nil
		}

		metrics.DhcpTransactions.WithLabelValues("nak").Inc()
		if budget <= 0 {
			return Lease{}, e.fail(key, errNak)
		}
		budget--
		e.log.Infof("%s: request for %s refused, discover again", key, offer.IP)
		if err := e.backoff(ctx); err != nil {
			return Lease{}, e.fail(key, err)
		}
	}
}

// fail puts the device back to DISCOVER and reports the allocation failure
func (e *Engine) fail(key string, cause error) error {
	e.leases.Update(key, func(l *Lease) bool {
		l.State = StateDiscover
		l.IP = nil
		l.ServerIP = nil
		return true
	})
	metrics.DhcpTransactions.WithLabelValues("failed").Inc()
	e.log.Warnf("%s: allocation failed: %v", key, cause)
	return errors.Wrapf(ipalloc.ErrAllocationFailed, "dhcp %s: %v", key, cause)
}

// renew sends a REQUEST for the bound address of l. Without an answer the lease
// stays bound, a NAK moves it back to DISCOVER.
func (e *Engine) renew(ctx context.Context, l Lease) (Lease, error) {
	key := l.Key()
	mac := l.HardwareAddr()
	xid := e.nextXid()

	if _, ok := e.leases.Update(key, func(cur *Lease) bool {
		if cur.State != StateAck || cur.Xid != l.Xid {
			return false
		}
		cur.State = StateRequest
		cur.Xid = xid
		return true
	}); !ok {
		return Lease{}, fmt.Errorf("lease %s changed before renewal", key)
	}

	msg, err := newRenew(mac, xid, l.IP)
	if err != nil {
		return Lease{}, fmt.Errorf("failed to build renew: %v", err)
	}
	f := frameSpec{srcMAC: mac, dstMAC: broadcastMAC, vlan: l.VlanID, srcIP: l.IP, dstIP: l.ServerIP}
	if e.gateways != nil {
		if gw := e.gateways.GetGatewayMAC(l.VlanID); gw != nil && l.ServerIP.Equal(e.gateways.GetGatewayIP(l.VlanID)) {
			f.dstMAC = gw
		}
	}

	budget := e.config.RetryLimit
	got, err := e.exchange(ctx, key, f, msg, &budget, func(cur *Lease) bool {
		return cur.Xid == xid && (cur.State == StateAck || cur.State == StateDiscover)
	})
	if err != nil {
		e.leases.Update(key, func(cur *Lease) bool {
			if cur.Xid != xid || cur.State != StateRequest {
				return false
			}
			cur.State = StateAck
			return true
		})
		metrics.DhcpRenewals.WithLabelValues("timeout").Inc()
		return Lease{}, err
	}
	if got.State == StateDiscover {
		metrics.DhcpRenewals.WithLabelValues("nak").Inc()
		return Lease{}, errNak
	}

	if err := e.leases.Save(ctx, got); err != nil {
		e.log.Warnf("%s: failed to persist renewed lease of %s: %v", key, got.IP, err)
	}
	metrics.DhcpRenewals.WithLabelValues("ack").Inc()
	e.log.Infof("%s: renewed %s until %s", key, got.IP, got.ExpiresAt().Format(time.RFC3339))
	return got, nil
}

// Release gives the address of mac back to the server without waiting for an
// answer and forgets the lease
func (e *Engine) Release(ctx context.Context, mac net.HardwareAddr, vlan int) error {
	key := LeaseKey(mac, vlan)
	l, ok := e.leases.Get(key)
	if !ok {
		return errors.Wrapf(ipalloc.ErrMappingNotFound, "no lease for %s", key)
	}

	if l.State == StateAck && len(l.IP) > 0 {
		if err := e.sendRelease(l); err != nil {
			e.log.Warnf("%s: release of %s not sent: %v", key, l.IP, err)
		} else {
			e.log.Infof("%s: released %s", key, l.IP)
		}
	}

	e.leases.Update(key, func(cur *Lease) bool {
		cur.State = StateRelease
		return true
	})
	e.leases.Delete(key)
	if err := e.leases.Forget(ctx, key); err != nil {
		return fmt.Errorf("failed to forget lease %s: %v", key, err)
	}
	return nil
}

func (e *Engine) sendRelease(l Lease) error {
	mac := l.HardwareAddr()
	msg, err := newRelease(mac, e.nextXid(), l.IP, l.ServerIP)
	if err != nil {
		return err
	}
	frame, err := serializeFrame(frameSpec{srcMAC: mac, dstMAC: broadcastMAC, vlan: l.VlanID, srcIP: l.IP, dstIP: l.ServerIP}, msg)
	if err != nil {
		return err
	}
	return e.send(frame)
}

// sweep touches every bound lease that reached its renewal point
func (e *Engine) sweep(ctx context.Context) {
	now := e.clock.Now()
	for key, l := range e.leases.GetAll() {
		if l.State != StateAck || l.action(now, e.config.RenewFraction) == actionKeep {
			continue
		}
		e.log.Debugf("%s: lease of %s due for renewal", key, l.IP)
		if _, err := e.Allocate(ctx, l.HardwareAddr(), l.VlanID); err != nil {
			e.log.Warnf("%s: failed to refresh lease: %v", key, err)
		}
	}
}

func (e *Engine) captureLoop() {
	defer e.wg.Done()
	parser := newFrameParser()

	for {
		select {
		case <-e.stopCtx.Done():
			return
		default:
		}

		data, _, err := e.link.ReadPacketData()
		switch {
		case err == nil:
			e.handleFrame(parser, data)
		case errors.Is(err, ErrReadTimeout):
		case errors.Is(err, io.EOF):
			e.log.Info("link closed, capture stopped")
			return
		default:
			e.log.Warnf("failed to read frame: %v", err)
			select {
			case <-e.stopCtx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (e *Engine) handleFrame(parser *frameParser, data []byte) {
	r, err := parser.parse(data)
	if err == nil {
		err = e.handleReply(r)
	}
	if err != nil && errors.Is(err, ErrProtocol) {
		metrics.DhcpProtocolErrors.Inc()
		e.log.Debugf("drop reply: %v", err)
	}
}

func (e *Engine) handleReply(r *reply) error {
	msg := r.msg
	key := LeaseKey(msg.ClientHWAddr, r.vlan)
	xid := xidOf(msg)

	var matched bool
	var bound Lease

	switch msg.MessageType() {
	case dhcpv4.MessageTypeOffer:
		if msg.YourIPAddr == nil || msg.YourIPAddr.IsUnspecified() {
			return errors.Wrapf(ErrProtocol, "offer without address for %s", key)
		}
		_, matched = e.leases.Update(key, func(l *Lease) bool {
			if l.State != StateDiscover || l.Xid != xid {
				return false
			}
			l.State = StateOffer
			l.IP = append(net.IP(nil), msg.YourIPAddr...)
			l.ServerIP = serverOf(r)
			l.Router = routerOf(msg)
			l.Subnet = subnetOf(msg)
			l.LeaseTime = msg.IPAddressLeaseTime(0)
			return true
		})

	case dhcpv4.MessageTypeAck:
		bound, matched = e.leases.Update(key, func(l *Lease) bool {
			if l.State != StateRequest || l.Xid != xid {
				return false
			}
			if ip := msg.YourIPAddr; ip != nil && !ip.IsUnspecified() {
				l.IP = append(net.IP(nil), ip...)
			}
			if len(l.IP) == 0 {
				return false
			}
			l.State = StateAck
			l.ServerIP = serverOf(r)
			if router := routerOf(msg); router != nil {
				l.Router = router
			}
			if subnet := subnetOf(msg); subnet != "" {
				l.Subnet = subnet
			}
			l.LeaseTime = msg.IPAddressLeaseTime(l.LeaseTime)
			l.LeaseStart = e.clock.Now()
			return true
		})

	case dhcpv4.MessageTypeNak:
		_, matched = e.leases.Update(key, func(l *Lease) bool {
			if l.State != StateRequest || l.Xid != xid {
				return false
			}
			l.State = StateDiscover
			l.IP = nil
			l.ServerIP = nil
			return true
		})

	default:
		return errors.Wrapf(ErrProtocol, "unexpected %s for %s", msg.MessageType(), key)
	}

	if !matched {
		return errors.Wrapf(ErrProtocol, "%s for %s xid 0x%08x matches no pending exchange", msg.MessageType(), key, xid)
	}
	if bound.State == StateAck {
		e.learnGateway(bound, r)
	}
	return nil
}

// learnGateway records the router of a bound lease, and its mac when the router
// answered itself
func (e *Engine) learnGateway(l Lease, r *reply) {
	if e.gateways == nil || len(l.Router) == 0 {
		return
	}
	if err := e.gateways.UpdateIP(e.stopCtx, l.Router, l.VlanID); err != nil {
		e.log.Warnf("failed to record gateway %s of vlan %d: %v", l.Router, l.VlanID, err)
		return
	}
	if r.srcIP.Equal(l.Router) {
		if err := e.gateways.UpdateMAC(e.stopCtx, l.Router, r.srcMAC, l.VlanID); err != nil {
			e.log.Warnf("failed to record gateway mac of vlan %d: %v", l.VlanID, err)
		}
	}
}
