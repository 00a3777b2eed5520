package ipalloc_test

import (
	"encoding/json"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
)

var _ = Describe("IPBlock", func() {
	It("normalizes the network address", func() {
		b, err := ipalloc.ParseIPBlock("10.1.2.77/24")
		Expect(err).NotTo(HaveOccurred())
		Expect(b.String()).To(Equal("10.1.2.0/24"))
		Expect(b.Version).To(Equal(4))
		Expect(b.Contains(net.ParseIP("10.1.2.200"))).To(BeTrue())
		Expect(b.Contains(net.ParseIP("10.1.3.1"))).To(BeFalse())
	})

	It("recognizes ipv6 blocks", func() {
		b, err := ipalloc.ParseIPBlock("fd00::/64")
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Version).To(Equal(6))
		Expect(b.String()).To(Equal("fd00::/64"))
	})

	It("rejects garbage", func() {
		_, err := ipalloc.ParseIPBlock("10.0.0.0")
		Expect(err).To(HaveOccurred())
	})

	It("parses block lists", func() {
		blocks, err := ipalloc.ParseIPBlocks([]string{"10.0.0.0/24", "10.0.1.0/24"}, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(blocks).To(HaveLen(2))

		_, err = ipalloc.ParseIPBlocks([]string{"10.0.0.0/16", "10.0.1.0/24"}, 4)
		Expect(err).To(HaveOccurred())

		_, err = ipalloc.ParseIPBlocks([]string{"2001:db8::/64"}, 4)
		Expect(err).To(HaveOccurred())

		_, err = ipalloc.ParseIPBlocks([]string{"10.0.0.300/24"}, 4)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("IPDescriptor", func() {
	It("keys by address and vlan", func() {
		d := &ipalloc.IPDescriptor{IP: net.ParseIP("192.168.128.146")}
		Expect(d.Key()).To(Equal("192.168.128.146"))
		d.VlanID = 12
		Expect(d.Key()).To(Equal("192.168.128.146@12"))
	})

	It("keys static addresses per apn", func() {
		internet := &ipalloc.IPDescriptor{IP: net.ParseIP("172.16.0.10"), SID: "IMSI1", APN: "internet", Type: ipalloc.TypeStatic}
		ims := &ipalloc.IPDescriptor{IP: net.ParseIP("172.16.0.10"), SID: "IMSI1", APN: "ims", Type: ipalloc.TypeStatic}
		Expect(internet.Key()).To(Equal("172.16.0.10#internet"))
		Expect(internet.Key()).NotTo(Equal(ims.Key()))

		ims.APN = ""
		Expect(ims.Key()).To(Equal("172.16.0.10"))

		pooled := &ipalloc.IPDescriptor{IP: net.ParseIP("172.16.0.10"), APN: "ims", Type: ipalloc.TypeIPPool}
		Expect(pooled.Key()).To(Equal("172.16.0.10"))
	})

	It("survives a json round trip with its block", func() {
		b, _ := ipalloc.ParseIPBlock("10.0.0.0/29")
		d := ipalloc.IPDescriptor{IP: net.ParseIP("10.0.0.3"), Block: b, State: ipalloc.StateAllocated, SID: "IMSI1", Type: ipalloc.TypeIPPool}
		data, err := json.Marshal(d)
		Expect(err).NotTo(HaveOccurred())

		var out ipalloc.IPDescriptor
		Expect(json.Unmarshal(data, &out)).To(Succeed())
		Expect(out.IP.Equal(d.IP)).To(BeTrue())
		Expect(out.Block.Equal(b)).To(BeTrue())
		Expect(out.State.Active()).To(BeTrue())
	})
})
