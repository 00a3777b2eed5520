package gateway_test

import (
	"context"
	"fmt"
	"net"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infrastructure-io/mobilityd/pkg/gateway"
	"github.com/infrastructure-io/mobilityd/pkg/store"
)

var _ = Describe("Tracker", func() {
	var (
		ctx      context.Context
		provider store.Provider
		tracker  *gateway.Tracker
		gwIP     = net.ParseIP("10.0.0.1")
		gwMAC, _ = net.ParseMAC("00:11:22:33:44:55")
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = store.NewMemoryProvider()
		tracker = gateway.NewTracker(provider)
	})

	It("learns ip then mac of a vlan", func() {
		Expect(tracker.UpdateIP(ctx, gwIP, 10)).To(Succeed())
		Expect(tracker.UpdateMAC(ctx, gwIP, gwMAC, 10)).To(Succeed())

		Expect(tracker.GetGatewayIP(10).Equal(gwIP)).To(BeTrue())
		Expect(tracker.GetGatewayMAC(10)).To(Equal(gwMAC))
		Expect(tracker.GetGatewayIP(0)).To(BeNil())
	})

	It("clears the mac when the ip changes", func() {
		Expect(tracker.UpdateIP(ctx, gwIP, 0)).To(Succeed())
		Expect(tracker.UpdateMAC(ctx, gwIP, gwMAC, 0)).To(Succeed())

		Expect(tracker.UpdateIP(ctx, net.ParseIP("10.0.0.254"), 0)).To(Succeed())
		Expect(tracker.GetGatewayMAC(0)).To(BeNil())
	})

	It("keeps the mac when the same ip is reported again", func() {
		Expect(tracker.UpdateIP(ctx, gwIP, 0)).To(Succeed())
		Expect(tracker.UpdateMAC(ctx, gwIP, gwMAC, 0)).To(Succeed())
		Expect(tracker.UpdateIP(ctx, gwIP, 0)).To(Succeed())
		Expect(tracker.GetGatewayMAC(0)).To(Equal(gwMAC))
	})

	It("ignores a mac attached to another ip", func() {
		Expect(tracker.UpdateIP(ctx, gwIP, 0)).To(Succeed())
		Expect(tracker.UpdateMAC(ctx, gwIP, gwMAC, 0)).To(Succeed())

		other, _ := net.ParseMAC("aa:aa:aa:aa:aa:aa")
		Expect(tracker.UpdateMAC(ctx, net.ParseIP("10.0.0.2"), other, 0)).To(Succeed())
		Expect(tracker.GetGatewayMAC(0)).To(Equal(gwMAC))
		Expect(tracker.GetAllRouterIPs()).To(HaveLen(1))
	})

	It("ignores empty values", func() {
		Expect(tracker.UpdateIP(ctx, gwIP, 0)).To(Succeed())
		Expect(tracker.UpdateMAC(ctx, gwIP, gwMAC, 0)).To(Succeed())

		Expect(tracker.UpdateIP(ctx, nil, 0)).To(Succeed())
		Expect(tracker.UpdateMAC(ctx, gwIP, nil, 0)).To(Succeed())
		Expect(tracker.GetGatewayIP(0).Equal(gwIP)).To(BeTrue())
		Expect(tracker.GetGatewayMAC(0)).To(Equal(gwMAC))
	})

	It("restores records from the store", func() {
		Expect(tracker.UpdateIP(ctx, gwIP, 3)).To(Succeed())
		Expect(tracker.UpdateMAC(ctx, gwIP, gwMAC, 3)).To(Succeed())
		Expect(tracker.UpdateIP(ctx, net.ParseIP("172.16.0.1"), 4)).To(Succeed())

		restarted := gateway.NewTracker(provider)
		Expect(restarted.Restore(ctx)).To(Succeed())
		records := restarted.GetAllRouterIPs()
		Expect(records).To(HaveLen(2))
		Expect(records[0].VlanID).To(Equal(3))
		Expect(records[0].MAC).To(Equal(gwMAC.String()))
		Expect(restarted.GetGatewayIP(4).Equal(net.ParseIP("172.16.0.1"))).To(BeTrue())
	})

	It("restores the latest gateway after concurrent ip and mac updates", func() {
		newIP := net.ParseIP("10.0.0.254")
		var wg sync.WaitGroup
		for vlan := 1; vlan <= 50; vlan++ {
			Expect(tracker.UpdateIP(ctx, gwIP, vlan)).To(Succeed())
			wg.Add(2)
			go func(vlan int) {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(tracker.UpdateMAC(ctx, gwIP, gwMAC, vlan)).To(Succeed())
			}(vlan)
			go func(vlan int) {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(tracker.UpdateIP(ctx, newIP, vlan)).To(Succeed())
			}(vlan)
		}
		wg.Wait()

		restarted := gateway.NewTracker(provider)
		Expect(restarted.Restore(ctx)).To(Succeed())
		for vlan := 1; vlan <= 50; vlan++ {
			Expect(restarted.GetGatewayIP(vlan).Equal(newIP)).To(BeTrue(), "vlan %d", vlan)
			Expect(restarted.GetGatewayMAC(vlan)).To(BeNil(), "vlan %d", vlan)
		}
	})

	It("does not store a mac learned for a replaced gateway", func() {
		Expect(tracker.UpdateIP(ctx, gwIP, 3)).To(Succeed())
		lagging := gateway.NewTracker(provider)
		Expect(lagging.Restore(ctx)).To(Succeed())

		Expect(tracker.UpdateIP(ctx, net.ParseIP("10.0.0.254"), 3)).To(Succeed())
		Expect(lagging.UpdateMAC(ctx, gwIP, gwMAC, 3)).To(Succeed())

		restarted := gateway.NewTracker(provider)
		Expect(restarted.Restore(ctx)).To(Succeed())
		Expect(restarted.GetGatewayIP(3).Equal(net.ParseIP("10.0.0.254"))).To(BeTrue())
		Expect(restarted.GetGatewayMAC(3)).To(BeNil())
	})

	It("seeds the untagged gateway from the host", func() {
		tracker.SetHostLookup(func() (net.IP, net.HardwareAddr, error) {
			return gwIP, gwMAC, nil
		})
		Expect(tracker.SeedFromHost(ctx)).To(Succeed())
		Expect(tracker.GetGatewayIP(0).Equal(gwIP)).To(BeTrue())
		Expect(tracker.GetGatewayMAC(0)).To(Equal(gwMAC))

		tracker.SetHostLookup(func() (net.IP, net.HardwareAddr, error) {
			return nil, nil, fmt.Errorf("no default route")
		})
		Expect(tracker.SeedFromHost(ctx)).NotTo(Succeed())
	})
})
