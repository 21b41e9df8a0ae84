package child_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/child"
)

var _ = Describe("The state envelope", func() {
	It("round-trips over the state pipe encoding", func() {
		cfg := config.Default()
		cfg.Sandbox.Name = "round-trip"
		cfg.Sandbox.Command = []string{"/bin/echo", "hi"}
		cfg.Security.Capabilities = []string{"CAP_NET_BIND_SERVICE"}

		state := child.State{
			Config:  cfg,
			Modules: []string{"namespaces", "cgroups", "rootfs", "mounts", "caps", "seccomp"},
		}

		buffer := new(bytes.Buffer)

		err := child.WriteState(buffer, state)
		Expect(err).ToNot(HaveOccurred())

		decoded, err := child.ReadState(buffer)
		Expect(err).ToNot(HaveOccurred())

		Expect(decoded).To(Equal(state))
	})

	It("fails on a truncated stream", func() {
		_, err := child.ReadState(new(bytes.Buffer))
		Expect(err).To(HaveOccurred())
	})
})
