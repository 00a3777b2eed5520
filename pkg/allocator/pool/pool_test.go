package pool_test

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/infrastructure-io/mobilityd/pkg/allocator/pool"
	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/store"
)

func mustBlock(cidr string) ipalloc.IPBlock {
	b, err := ipalloc.ParseIPBlock(cidr)
	Expect(err).NotTo(HaveOccurred())
	return b
}

var _ = Describe("Pool allocator", func() {
	var (
		ctx      context.Context
		provider store.Provider
		descs    *ipalloc.Descriptors
		alloc    *pool.Allocator
		block    ipalloc.IPBlock
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = store.NewMemoryProvider()
		descs = ipalloc.NewDescriptors(provider, clock.RealClock{})
		alloc = pool.New("default", provider, descs)
		block = mustBlock("192.168.128.0/24")
		Expect(alloc.AddBlock(ctx, block)).To(Succeed())
	})

	It("hands four subscribers four distinct addresses", func() {
		before, err := alloc.FreeCount(ctx, block)
		Expect(err).NotTo(HaveOccurred())
		Expect(before).To(Equal(uint64(254)))

		seen := map[string]bool{}
		for i := 0; i < 4; i++ {
			d, err := alloc.AllocateIP(ctx, fmt.Sprintf("IMSI%d", i), "internet")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.State).To(Equal(ipalloc.StateAllocated))
			Expect(d.Type).To(Equal(ipalloc.TypeIPPool))
			Expect(block.Contains(d.IP)).To(BeTrue())
			seen[d.IP.String()] = true
		}
		Expect(seen).To(HaveLen(4))
		Expect(seen).NotTo(HaveKey("192.168.128.0"))

		after, err := alloc.FreeCount(ctx, block)
		Expect(err).NotTo(HaveOccurred())
		Expect(before - after).To(Equal(uint64(4)))

		ips, err := alloc.ListAllocatedIPs(ctx, block)
		Expect(err).NotTo(HaveOccurred())
		Expect(ips).To(HaveLen(4))
	})

	It("returns the same address after a release", func() {
		first, err := alloc.AllocateIP(ctx, "IMSI1", "internet")
		Expect(err).NotTo(HaveOccurred())
		Expect(alloc.ReleaseIP(ctx, first)).To(Succeed())

		again, err := alloc.AllocateIP(ctx, "IMSI1", "internet")
		Expect(err).NotTo(HaveOccurred())
		Expect(again.IP.Equal(first.IP)).To(BeTrue())
		Expect(again.State).To(Equal(ipalloc.StateAllocated))
	})

	It("keeps a released address away from other subscribers", func() {
		first, err := alloc.AllocateIP(ctx, "IMSI1", "internet")
		Expect(err).NotTo(HaveOccurred())
		Expect(alloc.ReleaseIP(ctx, first)).To(Succeed())

		other, err := alloc.AllocateIP(ctx, "IMSI2", "internet")
		Expect(err).NotTo(HaveOccurred())
		Expect(other.IP.Equal(first.IP)).To(BeFalse())
	})

	It("answers a repeated allocate with the active address", func() {
		a, err := alloc.AllocateIP(ctx, "IMSI1", "internet")
		Expect(err).NotTo(HaveOccurred())
		b, err := alloc.AllocateIP(ctx, "IMSI1", "internet")
		Expect(err).NotTo(HaveOccurred())
		Expect(b.IP.Equal(a.IP)).To(BeTrue())
	})

	It("rejects the release of an address it never handed out", func() {
		_, err := alloc.AllocateIP(ctx, "IMSI1", "internet")
		Expect(err).NotTo(HaveOccurred())
		before, _ := alloc.FreeCount(ctx, block)
		blocks, _ := alloc.ListAddedBlocks(ctx)

		ip3 := &ipalloc.IPDescriptor{IP: net.ParseIP("192.168.128.77"), SID: "IMSI1"}
		err = alloc.ReleaseIP(ctx, ip3)
		Expect(ipalloc.IsMappingNotFound(err)).To(BeTrue())

		outside := &ipalloc.IPDescriptor{IP: net.ParseIP("10.9.9.9"), SID: "IMSI1"}
		Expect(ipalloc.IsMappingNotFound(alloc.ReleaseIP(ctx, outside))).To(BeTrue())

		after, _ := alloc.FreeCount(ctx, block)
		Expect(after).To(Equal(before))
		Expect(alloc.ListAddedBlocks(ctx)).To(Equal(blocks))
	})

	It("fails once the pool is exhausted", func() {
		small := pool.New("small", provider, descs)
		Expect(small.AddBlock(ctx, mustBlock("10.0.0.0/30"))).To(Succeed())

		_, err := small.AllocateIP(ctx, "IMSI1", "")
		Expect(err).NotTo(HaveOccurred())
		_, err = small.AllocateIP(ctx, "IMSI2", "")
		Expect(err).NotTo(HaveOccurred())
		_, err = small.AllocateIP(ctx, "IMSI3", "")
		Expect(ipalloc.IsAllocationFailed(err)).To(BeTrue())
	})

	It("fails without blocks", func() {
		empty := pool.New("empty", provider, descs)
		_, err := empty.AllocateIP(ctx, "IMSI1", "")
		Expect(ipalloc.IsAllocationFailed(err)).To(BeTrue())
	})

	It("refuses duplicate and overlapping blocks", func() {
		Expect(alloc.AddBlock(ctx, block)).NotTo(Succeed())
		Expect(alloc.AddBlock(ctx, mustBlock("192.168.128.128/25"))).NotTo(Succeed())
		Expect(alloc.AddBlock(ctx, mustBlock("192.168.0.0/16"))).NotTo(Succeed())
		Expect(alloc.AddBlock(ctx, mustBlock("192.168.129.0/24"))).To(Succeed())
	})

	It("keeps the blocks of each pool apart", func() {
		other := pool.New("ims", provider, descs)
		Expect(other.AddBlock(ctx, mustBlock("172.16.0.0/24"))).To(Succeed())

		Expect(alloc.ListAddedBlocks(ctx)).To(ConsistOf(block))
		Expect(other.ListAddedBlocks(ctx)).To(ConsistOf(mustBlock("172.16.0.0/24")))
	})

	It("removes blocks in use only when forced", func() {
		_, err := alloc.AllocateIP(ctx, "IMSI1", "internet")
		Expect(err).NotTo(HaveOccurred())

		removed, err := alloc.RemoveBlocks(ctx, []ipalloc.IPBlock{block}, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(BeEmpty())

		removed, err = alloc.RemoveBlocks(ctx, []ipalloc.IPBlock{block}, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(ConsistOf(block))
		Expect(alloc.ListAddedBlocks(ctx)).To(BeEmpty())
		Expect(descs.List(ctx)).To(BeEmpty())
	})

	It("never double issues across processes sharing redis", func() {
		mr, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		defer mr.Close()

		newProcess := func() *pool.Allocator {
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			DeferCleanup(client.Close)
			p := store.NewRedisProvider(client, "mobilityd")
			return pool.New("default", p, ipalloc.NewDescriptors(p, clock.RealClock{}))
		}
		a, b := newProcess(), newProcess()
		Expect(a.AddBlock(ctx, mustBlock("10.1.0.0/24"))).To(Succeed())

		var wg sync.WaitGroup
		var lock sync.Mutex
		got := map[string]string{}
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				p := a
				if i%2 == 1 {
					p = b
				}
				sid := fmt.Sprintf("IMSI%d", i)
				d, err := p.AllocateIP(ctx, sid, "")
				Expect(err).NotTo(HaveOccurred())
				lock.Lock()
				defer lock.Unlock()
				Expect(got).NotTo(HaveKey(d.IP.String()))
				got[d.IP.String()] = sid
			}(i)
		}
		wg.Wait()
		Expect(got).To(HaveLen(10))
	})
})
