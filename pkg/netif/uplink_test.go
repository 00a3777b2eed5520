package netif_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infrastructure-io/mobilityd/pkg/netif"
)

var _ = Describe("PrepareUplink", func() {
	It("fails on a missing interface", func() {
		_, err := netif.PrepareUplink("nosuchif0")
		Expect(err).To(MatchError(ContainSubstring("nosuchif0")))
	})
})
