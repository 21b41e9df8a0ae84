package mounts_module_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"golang.org/x/sys/unix"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/mounts_module"
	"github.com/cloudfoundry-incubator/hutch/sysutil/fake_sysutil"
)

var _ = Describe("The mounts module", func() {
	var cfg config.Config
	var fakeSys *fake_sysutil.FakeSysutil
	var module *mounts_module.MountsModule

	BeforeEach(func() {
		cfg = config.Default()
		cfg.Mounts.BindMounts = []config.BindMount{
			{Source: "/host/data", Target: "/data", ReadOnly: false},
			{Source: "/host/config", Target: "/etc/app", ReadOnly: true},
		}

		fakeSys = fake_sysutil.New()
		fakeSys.ExistingPaths["/host/data"] = true
		fakeSys.ExistingPaths["/host/config"] = true

		module = mounts_module.New(fakeSys, lagertest.NewTestLogger("test"))

		Expect(module.Initialize(&cfg)).To(Succeed())
	})

	It("describes itself and depends on rootfs", func() {
		Expect(module.Name()).To(Equal("mounts"))
		Expect(module.Type()).To(Equal("filesystem"))
		Expect(module.Dependencies()).To(Equal([]string{"rootfs"}))
		Expect(module.Enabled()).To(BeTrue())
	})

	Describe("applying in the child", func() {
		It("binds every configured mount in declared order", func() {
			Expect(module.ApplyChild(&cfg)).To(Succeed())

			Expect(fakeSys.Mounts[0]).To(Equal(fake_sysutil.MountSpec{
				Source: "/host/data",
				Target: "/data",
				FSType: "bind",
				Flags:  unix.MS_BIND,
			}))

			Expect(fakeSys.Mounts[1].Source).To(Equal("/host/config"))
		})

		It("remounts read-only targets with the read-only flag", func() {
			Expect(module.ApplyChild(&cfg)).To(Succeed())

			Expect(fakeSys.Mounts).To(HaveLen(3))

			remount := fakeSys.Mounts[2]
			Expect(remount.Target).To(Equal("/etc/app"))
			Expect(remount.Flags).To(Equal(uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)))
		})

		It("ensures the target directories exist", func() {
			Expect(module.ApplyChild(&cfg)).To(Succeed())

			Expect(fakeSys.CreatedDirs).To(ContainElement("/data"))
			Expect(fakeSys.CreatedDirs).To(ContainElement("/etc/app"))
		})

		It("records the applied mounts", func() {
			Expect(module.ApplyChild(&cfg)).To(Succeed())

			active := module.ActiveMounts()
			Expect(active).To(HaveLen(2))
			Expect(active[0].Target).To(Equal("/data"))
			Expect(active[1].ReadOnly).To(BeTrue())
		})

		Context("when a source path does not exist", func() {
			BeforeEach(func() {
				delete(fakeSys.ExistingPaths, "/host/data")
			})

			It("creates it", func() {
				Expect(module.ApplyChild(&cfg)).To(Succeed())

				Expect(fakeSys.CreatedDirs).To(ContainElement("/host/data"))
			})
		})

		Context("when the bind mount fails", func() {
			BeforeEach(func() {
				fakeSys.MountError = func(spec fake_sysutil.MountSpec) error {
					return errors.New("o no")
				}
			})

			It("fails and records nothing", func() {
				Expect(module.ApplyChild(&cfg)).To(HaveOccurred())
				Expect(module.ActiveMounts()).To(BeEmpty())
			})
		})

		Context("when the read-only remount fails", func() {
			BeforeEach(func() {
				fakeSys.MountError = func(spec fake_sysutil.MountSpec) error {
					if spec.Flags&unix.MS_REMOUNT != 0 {
						return errors.New("o no")
					}
					return nil
				}
			})

			It("proceeds with the writable bind", func() {
				Expect(module.ApplyChild(&cfg)).To(Succeed())
				Expect(module.ActiveMounts()).To(HaveLen(2))
			})
		})

		Context("with no configured mounts", func() {
			BeforeEach(func() {
				cfg.Mounts.BindMounts = nil
				Expect(module.Initialize(&cfg)).To(Succeed())
			})

			It("mounts nothing and reports disabled", func() {
				Expect(module.ApplyChild(&cfg)).To(Succeed())

				Expect(fakeSys.Mounts).To(BeEmpty())
				Expect(module.ActiveMounts()).To(BeEmpty())
				Expect(module.Enabled()).To(BeFalse())
			})
		})
	})

	Describe("cleaning up", func() {
		Context("without having applied in this process", func() {
			// The real binary applies the mounts in the re-exec'd
			// child; the parent's instance only ever sees Initialize
			// and Cleanup.
			It("still unmounts the configured targets in reverse order", func() {
				Expect(module.Cleanup()).To(Succeed())

				Expect(fakeSys.Unmounts).To(Equal([]fake_sysutil.UnmountSpec{
					{Target: "/etc/app"},
					{Target: "/data"},
				}))
			})
		})

		Context("with no configured mounts", func() {
			BeforeEach(func() {
				cfg.Mounts.BindMounts = nil
				Expect(module.Initialize(&cfg)).To(Succeed())
			})

			It("unmounts nothing", func() {
				Expect(module.Cleanup()).To(Succeed())

				Expect(fakeSys.Unmounts).To(BeEmpty())
			})
		})

		Context("after applying in the same process", func() {
			BeforeEach(func() {
				Expect(module.ApplyChild(&cfg)).To(Succeed())
			})

			It("unmounts the configured targets in reverse order", func() {
				Expect(module.Cleanup()).To(Succeed())

				Expect(fakeSys.Unmounts).To(Equal([]fake_sysutil.UnmountSpec{
					{Target: "/etc/app"},
					{Target: "/data"},
				}))
			})

			It("clears the active mount list", func() {
				Expect(module.Cleanup()).To(Succeed())

				Expect(module.ActiveMounts()).To(BeEmpty())
				Expect(module.State()).To(Equal(linux_backend.StateStopped))
			})
		})

		It("is idempotent", func() {
			Expect(module.Cleanup()).To(Succeed())
			Expect(module.Cleanup()).To(Succeed())

			Expect(fakeSys.Unmounts).To(HaveLen(2))
		})

		Context("when an unmount fails", func() {
			BeforeEach(func() {
				fakeSys.UnmountError = func(spec fake_sysutil.UnmountSpec) error {
					return errors.New("o no")
				}
			})

			It("proceeds regardless", func() {
				Expect(module.Cleanup()).To(Succeed())
				Expect(module.State()).To(Equal(linux_backend.StateStopped))
			})
		})
	})
})
