package seccomp_module_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"code.cloudfoundry.org/lager/v3/lagertest"
	seccomp "github.com/elastic/go-seccomp-bpf"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/seccomp_module"
	"github.com/cloudfoundry-incubator/hutch/sysutil/fake_sysutil"
)

var _ = Describe("The seccomp module", func() {
	var cfg config.Config
	var fakeSys *fake_sysutil.FakeSysutil
	var module *seccomp_module.SeccompModule

	BeforeEach(func() {
		cfg = config.Default()

		fakeSys = fake_sysutil.New()

		module = seccomp_module.New(fakeSys, lagertest.NewTestLogger("test"))
	})

	It("describes itself", func() {
		Expect(module.Name()).To(Equal("seccomp"))
		Expect(module.Type()).To(Equal("security"))
		Expect(module.Dependencies()).To(BeEmpty())
	})

	Describe("initializing", func() {
		Context("with no policy and no profile", func() {
			BeforeEach(func() {
				cfg.Security.SeccompPolicy = ""
				cfg.Security.SeccompProfilePath = ""
			})

			It("disables itself", func() {
				Expect(module.Initialize(&cfg)).To(Succeed())

				Expect(module.Enabled()).To(BeFalse())
				Expect(module.Program()).To(BeEmpty())
				Expect(module.State()).To(Equal(linux_backend.StateInitialized))
			})
		})

		expectDefaultAction := func(policy string, action seccomp.Action) {
			cfg.Security.SeccompPolicy = policy

			Expect(module.Initialize(&cfg)).To(Succeed())
			Expect(module.Policy().DefaultAction).To(Equal(action))
		}

		It("denies with errno under the default policy", func() {
			expectDefaultAction("default", seccomp.ActionErrno)
		})

		It("kills the thread under the strict policy", func() {
			expectDefaultAction("strict", seccomp.ActionKillThread)
		})

		It("logs and allows under the log policy", func() {
			expectDefaultAction("log", seccomp.ActionLog)
		})

		It("allows under the allow policy", func() {
			expectDefaultAction("allow", seccomp.ActionAllow)
		})

		It("generates the default allow-list", func() {
			Expect(module.Initialize(&cfg)).To(Succeed())

			policy := module.Policy()
			Expect(policy.Syscalls).To(HaveLen(1))
			Expect(policy.Syscalls[0].Action).To(Equal(seccomp.ActionAllow))
			Expect(policy.Syscalls[0].Names).To(ContainElement("read"))
			Expect(policy.Syscalls[0].Names).To(ContainElement("execve"))
			Expect(policy.Syscalls[0].Names).To(ContainElement("sethostname"))
			Expect(policy.Syscalls[0].Names).To(ContainElement("setrlimit"))
		})

		It("retains a compiled filter program", func() {
			Expect(module.Initialize(&cfg)).To(Succeed())

			Expect(module.Program()).ToNot(BeEmpty())
			Expect(module.Enabled()).To(BeTrue())
		})

		Context("with a profile override", func() {
			BeforeEach(func() {
				cfg.Security.SeccompProfilePath = "/etc/sandbox/profile.json"

				fakeSys.ReadFileReturns["/etc/sandbox/profile.json"] = []byte(`{
					"default_action": "kill_process",
					"syscalls": [
						{"action": "allow", "names": ["read", "write"]},
						{"action": "errno", "names": ["socket"]}
					]
				}`)
			})

			It("builds the policy from the profile", func() {
				Expect(module.Initialize(&cfg)).To(Succeed())

				policy := module.Policy()
				Expect(policy.DefaultAction).To(Equal(seccomp.ActionKillProcess))
				Expect(policy.Syscalls).To(HaveLen(2))
				Expect(policy.Syscalls[0].Names).To(Equal([]string{"read", "write"}))
				Expect(policy.Syscalls[1].Action).To(Equal(seccomp.ActionErrno))
			})

			Context("with an unknown action", func() {
				BeforeEach(func() {
					fakeSys.ReadFileReturns["/etc/sandbox/profile.json"] = []byte(`{
						"syscalls": [{"action": "explode", "names": ["read"]}]
					}`)
				})

				It("fails", func() {
					Expect(module.Initialize(&cfg)).To(HaveOccurred())
				})
			})

			Context("with malformed JSON", func() {
				BeforeEach(func() {
					fakeSys.ReadFileReturns["/etc/sandbox/profile.json"] = []byte("{")
				})

				It("fails", func() {
					Expect(module.Initialize(&cfg)).To(HaveOccurred())
				})
			})
		})
	})

	Describe("cleaning up", func() {
		It("drops the compiled program", func() {
			Expect(module.Initialize(&cfg)).To(Succeed())
			Expect(module.Cleanup()).To(Succeed())

			Expect(module.Program()).To(BeEmpty())
			Expect(module.State()).To(Equal(linux_backend.StateStopped))
		})
	})
})
