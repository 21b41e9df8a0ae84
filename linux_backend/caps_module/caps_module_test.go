package caps_module_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/moby/sys/capability"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/caps_module"
)

var _ = Describe("The caps module", func() {
	var cfg config.Config
	var module *caps_module.CapsModule

	BeforeEach(func() {
		cfg = config.Default()

		module = caps_module.New(lagertest.NewTestLogger("test"))
	})

	It("describes itself", func() {
		Expect(module.Name()).To(Equal("caps"))
		Expect(module.Type()).To(Equal("security"))
		Expect(module.Dependencies()).To(BeEmpty())
		Expect(module.Enabled()).To(BeTrue())
	})

	It("walks the module lifecycle states", func() {
		Expect(module.State()).To(Equal(linux_backend.StateUninitialized))

		Expect(module.Initialize(&cfg)).To(Succeed())
		Expect(module.State()).To(Equal(linux_backend.StateInitialized))

		Expect(module.Cleanup()).To(Succeed())
		Expect(module.State()).To(Equal(linux_backend.StateStopped))
	})

	Describe("resolving capability names", func() {
		It("maps the fixed name table to kernel capabilities", func() {
			caps := module.ResolveCapabilities([]string{
				"CAP_NET_BIND_SERVICE",
				"CAP_SYS_TIME",
				"CAP_CHOWN",
			})

			Expect(caps).To(Equal([]capability.Cap{
				capability.CAP_NET_BIND_SERVICE,
				capability.CAP_SYS_TIME,
				capability.CAP_CHOWN,
			}))
		})

		It("skips unknown names", func() {
			caps := module.ResolveCapabilities([]string{
				"CAP_NET_ADMIN",
				"CAP_FLY",
			})

			Expect(caps).To(Equal([]capability.Cap{capability.CAP_NET_ADMIN}))
		})

		It("resolves nothing from an empty set", func() {
			Expect(module.ResolveCapabilities(nil)).To(BeEmpty())
		})
	})
})
