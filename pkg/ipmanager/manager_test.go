package ipmanager_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/infrastructure-io/mobilityd/pkg/allocator/pool"
	"github.com/infrastructure-io/mobilityd/pkg/allocator/staticip"
	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/ipmanager"
	"github.com/infrastructure-io/mobilityd/pkg/store"
	"github.com/infrastructure-io/mobilityd/pkg/subscriberdb"
)

func mustBlock(cidr string) ipalloc.IPBlock {
	b, err := ipalloc.ParseIPBlock(cidr)
	Expect(err).NotTo(HaveOccurred())
	return b
}

var _ = Describe("Manager", func() {
	var (
		ctx      context.Context
		clk      *clocktesting.FakeClock
		provider store.Provider
		descs    *ipalloc.Descriptors
		v4       *pool.Allocator
		block    ipalloc.IPBlock
		mgr      *ipmanager.Manager
		config   ipmanager.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
		provider = store.NewMemoryProvider()
		descs = ipalloc.NewDescriptors(provider, clk)
		v4 = pool.New("v4", provider, descs)
		block = mustBlock("192.168.128.0/24")
		config = ipmanager.Config{GracePeriod: time.Minute, RecycleInterval: 10 * time.Millisecond}
		mgr = ipmanager.New(config, descs, clk, v4, ipmanager.WithBlockAdmin(v4))
		Expect(mgr.AddIPBlock(ctx, block)).To(Succeed())
	})

	It("gives four subscribers four addresses of the block", func() {
		before, err := mgr.FreeCount(ctx, block)
		Expect(err).NotTo(HaveOccurred())

		seen := map[string]bool{}
		for i := 1; i <= 4; i++ {
			d, err := mgr.AllocIPAddress(ctx, fmt.Sprintf("IMSI00101000000000%d", i), "internet", ipmanager.IPv4)
			Expect(err).NotTo(HaveOccurred())
			Expect(block.Contains(d.IP)).To(BeTrue())
			seen[d.IP.String()] = true
		}
		Expect(seen).To(HaveLen(4))

		after, err := mgr.FreeCount(ctx, block)
		Expect(err).NotTo(HaveOccurred())
		Expect(before - after).To(Equal(uint64(4)))

		table, err := mgr.GetSubscriberIPTable(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(table).To(HaveLen(4))
	})

	It("returns the held address on a repeated request", func() {
		first, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv4)
		Expect(err).NotTo(HaveOccurred())
		second, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv4)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.IP.Equal(first.IP)).To(BeTrue())

		got, err := mgr.GetIPForSubscriber(ctx, "IMSI1", "internet")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.IP.Equal(first.IP)).To(BeTrue())
	})

	It("keeps the same address across release and allocate", func() {
		first, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv4)
		Expect(err).NotTo(HaveOccurred())
		Expect(mgr.ReleaseIPAddress(ctx, "IMSI1", first.IP, "internet")).To(Succeed())

		_, err = mgr.GetIPForSubscriber(ctx, "IMSI1", "internet")
		Expect(ipalloc.IsMappingNotFound(err)).To(BeTrue())

		again, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv4)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.IP.Equal(first.IP)).To(BeTrue())
	})

	It("rejects the release of an address that was never allocated", func() {
		blocks, err := mgr.ListAddedIPBlocks(ctx)
		Expect(err).NotTo(HaveOccurred())

		err = mgr.ReleaseIPAddress(ctx, "IMSI3", net.ParseIP("192.168.128.77"), "internet")
		Expect(ipalloc.IsMappingNotFound(err)).To(BeTrue())

		after, err := mgr.ListAddedIPBlocks(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(Equal(blocks))
	})

	It("rejects the release by another subscriber", func() {
		d, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv4)
		Expect(err).NotTo(HaveOccurred())
		err = mgr.ReleaseIPAddress(ctx, "IMSI2", d.IP, "internet")
		Expect(ipalloc.IsMappingNotFound(err)).To(BeTrue())
	})

	It("matches any apn on release when none is given", func() {
		d, err := mgr.AllocIPAddress(ctx, "IMSI1", "ims", ipmanager.IPv4)
		Expect(err).NotTo(HaveOccurred())
		Expect(mgr.ReleaseIPAddress(ctx, "IMSI1", d.IP, "")).To(Succeed())
	})

	It("fails ipv6 requests without an ipv6 allocator", func() {
		_, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv6)
		Expect(ipalloc.IsAllocationFailed(err)).To(BeTrue())
	})

	It("serves both versions to one subscriber", func() {
		v6 := pool.New("v6", provider, descs)
		Expect(v6.AddBlock(ctx, mustBlock("2001:db8::/120"))).To(Succeed())
		mgr = ipmanager.New(config, descs, clk, v4, ipmanager.WithIPv6(v6))

		a, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv4)
		Expect(err).NotTo(HaveOccurred())
		b, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv6)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.IP.To4()).NotTo(BeNil())
		Expect(b.IP.To4()).To(BeNil())

		blocks, err := mgr.ListAddedIPBlocks(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(blocks).To(HaveLen(2))

		Expect(mgr.ReleaseIPAddress(ctx, "IMSI1", b.IP, "internet")).To(Succeed())
		got, err := mgr.GetIPForSubscriber(ctx, "IMSI1", "internet")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.IP.Equal(a.IP)).To(BeTrue())
	})

	It("refuses block administration without a pool", func() {
		mgr = ipmanager.New(config, descs, clk, v4)
		Expect(mgr.AddIPBlock(ctx, mustBlock("10.0.0.0/24"))).NotTo(Succeed())
		_, err := mgr.RemoveIPBlocks(ctx, []ipalloc.IPBlock{block}, false)
		Expect(err).To(HaveOccurred())
	})

	It("removes unused blocks", func() {
		other := mustBlock("10.1.0.0/24")
		Expect(mgr.AddIPBlock(ctx, other)).To(Succeed())
		d, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv4)
		Expect(err).NotTo(HaveOccurred())

		removed, err := mgr.RemoveIPBlocks(ctx, []ipalloc.IPBlock{block, other}, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(ConsistOf(other))

		ips, err := mgr.ListAllocatedIPs(ctx, block)
		Expect(err).NotTo(HaveOccurred())
		Expect(ips).To(HaveLen(1))
		Expect(ips[0].Equal(d.IP)).To(BeTrue())
	})

	Context("recycling", func() {
		var released *ipalloc.IPDescriptor

		BeforeEach(func() {
			var err error
			released, err = mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv4)
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.ReleaseIPAddress(ctx, "IMSI1", released.IP, "internet")).To(Succeed())
		})

		It("keeps released addresses during the grace period", func() {
			clk.Step(30 * time.Second)
			reaped, err := mgr.RecycleReleased(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(reaped).To(BeEmpty())

			other, err := mgr.AllocIPAddress(ctx, "IMSI2", "internet", ipmanager.IPv4)
			Expect(err).NotTo(HaveOccurred())
			Expect(other.IP.Equal(released.IP)).To(BeFalse())
		})

		It("frees released addresses after the grace period", func() {
			before, err := mgr.FreeCount(ctx, block)
			Expect(err).NotTo(HaveOccurred())

			clk.Step(2 * time.Minute)
			reaped, err := mgr.RecycleReleased(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(reaped).To(HaveLen(1))
			Expect(reaped[0].State).To(Equal(ipalloc.StateReaped))
			Expect(reaped[0].IP.Equal(released.IP)).To(BeTrue())

			after, err := mgr.FreeCount(ctx, block)
			Expect(err).NotTo(HaveOccurred())
			Expect(after).To(Equal(before + 1))

			other, err := mgr.AllocIPAddress(ctx, "IMSI2", "internet", ipmanager.IPv4)
			Expect(err).NotTo(HaveOccurred())
			Expect(other.IP.Equal(released.IP)).To(BeTrue())
		})

		It("runs periodically", func() {
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			clk.Step(2 * time.Minute)
			mgr.Run(runCtx)

			Eventually(func() int {
				all, err := descs.List(ctx)
				Expect(err).NotTo(HaveOccurred())
				return len(all)
			}).Should(BeZero())
		})
	})

	Context("with a static address for every apn", func() {
		BeforeEach(func() {
			path := filepath.Join(GinkgoT().TempDir(), "subscribers.yaml")
			Expect(os.WriteFile(path, []byte("subscribers:\n  - sid: IMSI1\n    ip: 172.16.0.10\n"), 0o644)).To(Succeed())
			subscribers, err := subscriberdb.NewFileStore(path)
			Expect(err).NotTo(HaveOccurred())
			mgr = ipmanager.New(config, descs, clk, staticip.New(v4, subscribers, descs), ipmanager.WithBlockAdmin(v4))
		})

		It("keeps one record per apn", func() {
			internet, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv4)
			Expect(err).NotTo(HaveOccurred())
			ims, err := mgr.AllocIPAddress(ctx, "IMSI1", "ims", ipmanager.IPv4)
			Expect(err).NotTo(HaveOccurred())
			Expect(internet.IP.String()).To(Equal("172.16.0.10"))
			Expect(ims.IP.String()).To(Equal("172.16.0.10"))

			got, err := mgr.GetIPForSubscriber(ctx, "IMSI1", "internet")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.APN).To(Equal("internet"))
			got, err = mgr.GetIPForSubscriber(ctx, "IMSI1", "ims")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.APN).To(Equal("ims"))

			table, err := mgr.GetSubscriberIPTable(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(table).To(HaveLen(2))

			Expect(mgr.ReleaseIPAddress(ctx, "IMSI1", net.ParseIP("172.16.0.10"), "internet")).To(Succeed())
			_, err = mgr.GetIPForSubscriber(ctx, "IMSI1", "internet")
			Expect(ipalloc.IsMappingNotFound(err)).To(BeTrue())
			got, err = mgr.GetIPForSubscriber(ctx, "IMSI1", "ims")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.State).To(Equal(ipalloc.StateReserved))
		})

		It("still serves other subscribers from the pool", func() {
			_, err := mgr.AllocIPAddress(ctx, "IMSI1", "internet", ipmanager.IPv4)
			Expect(err).NotTo(HaveOccurred())
			other, err := mgr.AllocIPAddress(ctx, "IMSI2", "internet", ipmanager.IPv4)
			Expect(err).NotTo(HaveOccurred())
			Expect(block.Contains(other.IP)).To(BeTrue())
		})
	})
})
