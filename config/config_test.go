package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudfoundry-incubator/hutch/config"
)

var _ = Describe("Parsing configuration", func() {
	Context("with a minimal document", func() {
		document := `{
			"sandbox": {"command": ["/bin/true"]},
			"resources": {"memory_mb": 512}
		}`

		It("applies the defaults for every omitted key", func() {
			cfg, err := config.Parse([]byte(document))
			Expect(err).ToNot(HaveOccurred())

			Expect(cfg.Sandbox.Name).To(Equal("sandbox-default"))
			Expect(cfg.Sandbox.Hostname).To(Equal("sandbox-container"))
			Expect(cfg.Sandbox.RootFSPath).To(Equal("/var/lib/sandbox/rootfs/ubuntu_focal"))
			Expect(cfg.Resources.CPUQuotaPercent).To(Equal(50))
			Expect(cfg.Resources.MaxPids).To(Equal(100))
			Expect(cfg.Isolation.Namespaces).To(Equal([]string{"pid", "net", "ipc", "uts", "mount", "user"}))
			Expect(cfg.Mounts.BindMounts).To(HaveLen(1))
			Expect(cfg.Mounts.BindMounts[0].Source).To(Equal("/tmp"))
			Expect(cfg.Security.SeccompPolicy).To(Equal("default"))
			Expect(cfg.Logging.Level).To(Equal("info"))
		})

		It("takes the command from the document", func() {
			cfg, err := config.Parse([]byte(document))
			Expect(err).ToNot(HaveOccurred())

			Expect(cfg.Sandbox.Command).To(Equal([]string{"/bin/true"}))
		})
	})

	Context("with overridden values", func() {
		document := `{
			"sandbox": {"name": "custom-sandbox", "command": ["/bin/true"]},
			"resources": {"memory_mb": 2048}
		}`

		It("keeps the overrides and preserves unrelated defaults", func() {
			cfg, err := config.Parse([]byte(document))
			Expect(err).ToNot(HaveOccurred())

			Expect(cfg.Sandbox.Name).To(Equal("custom-sandbox"))
			Expect(cfg.Resources.MemoryMB).To(Equal(int64(2048)))
			Expect(cfg.Resources.MaxPids).To(Equal(100))
		})
	})

	Context("with invalid JSON", func() {
		It("returns a parse error", func() {
			_, err := config.Parse([]byte("{ invalid json }"))
			Expect(err).To(HaveOccurred())
			Expect(err).To(BeAssignableToTypeOf(config.ParseError{}))
		})
	})

	Context("with the sandbox section missing", func() {
		It("returns a validation error", func() {
			_, err := config.Parse([]byte(`{"memory_mb": 1024}`))
			Expect(err).To(HaveOccurred())
			Expect(err).To(BeAssignableToTypeOf(config.ValidationError{}))
		})
	})

	Context("with the command missing", func() {
		It("returns a validation error", func() {
			_, err := config.Parse([]byte(`{
				"sandbox": {"name": "x"},
				"resources": {"memory_mb": 512}
			}`))
			Expect(err).To(MatchError(ContainSubstring("command")))
		})
	})

	Context("with an empty command", func() {
		It("returns a validation error", func() {
			_, err := config.Parse([]byte(`{
				"sandbox": {"command": []},
				"resources": {"memory_mb": 512}
			}`))
			Expect(err).To(MatchError(ContainSubstring("command")))
		})
	})

	Context("with a zero memory limit", func() {
		It("returns a validation error", func() {
			_, err := config.Parse([]byte(`{
				"sandbox": {"command": ["/bin/true"]},
				"resources": {"memory_mb": 0}
			}`))
			Expect(err).To(MatchError(ContainSubstring("memory_mb")))
		})
	})

	Context("with an unknown namespace name", func() {
		It("returns a validation error", func() {
			_, err := config.Parse([]byte(`{
				"sandbox": {"command": ["/bin/true"]},
				"resources": {"memory_mb": 512},
				"isolation": {"namespaces": ["pid", "cgroup"]}
			}`))
			Expect(err).To(MatchError(ContainSubstring("cgroup")))
		})
	})

	Context("with unknown keys", func() {
		It("ignores them", func() {
			cfg, err := config.Parse([]byte(`{
				"sandbox": {"command": ["/bin/true"], "bogus": 42},
				"resources": {"memory_mb": 512},
				"shiny_new_section": {}
			}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Sandbox.Command).To(Equal([]string{"/bin/true"}))
		})
	})

	Context("with id mappings", func() {
		It("parses uid and gid map triples", func() {
			cfg, err := config.Parse([]byte(`{
				"sandbox": {"command": ["/bin/true"]},
				"resources": {"memory_mb": 512},
				"isolation": {
					"uid_map": {"host_uid": 1000, "container_uid": 0, "count": 1},
					"gid_map": {"host_gid": 1000, "container_gid": 0, "count": 1}
				}
			}`))
			Expect(err).ToNot(HaveOccurred())

			Expect(cfg.Isolation.UIDMap.HostUID).To(Equal(1000))
			Expect(cfg.Isolation.UIDMap.ContainerUID).To(Equal(0))
			Expect(cfg.Isolation.UIDMap.Count).To(Equal(1))
			Expect(cfg.Isolation.GIDMap.HostGID).To(Equal(1000))
		})
	})

	Describe("round-tripping", func() {
		It("parses its own serialization to the same record", func() {
			cfg, err := config.Parse([]byte(`{
				"sandbox": {"name": "round-trip", "command": ["/bin/true"]},
				"resources": {"memory_mb": 256}
			}`))
			Expect(err).ToNot(HaveOccurred())

			serialized, err := json.Marshal(cfg)
			Expect(err).ToNot(HaveOccurred())

			reparsed, err := config.Parse(serialized)
			Expect(err).ToNot(HaveOccurred())

			Expect(reparsed).To(Equal(cfg))
		})
	})
})

var _ = Describe("Locating configuration files", func() {
	var tmpdir string

	BeforeEach(func() {
		var err error
		tmpdir, err = os.MkdirTemp("", "hutch-config")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpdir)
	})

	Describe("IsValidConfigFile", func() {
		It("accepts a JSON document with both required sections", func() {
			path := filepath.Join(tmpdir, "config.json")
			err := os.WriteFile(path, []byte(`{"sandbox": {}, "resources": {}}`), 0644)
			Expect(err).ToNot(HaveOccurred())

			Expect(config.IsValidConfigFile(path)).To(BeTrue())
		})

		It("rejects a document missing a required section", func() {
			path := filepath.Join(tmpdir, "config.json")
			err := os.WriteFile(path, []byte(`{"sandbox": {}}`), 0644)
			Expect(err).ToNot(HaveOccurred())

			Expect(config.IsValidConfigFile(path)).To(BeFalse())
		})

		It("rejects a missing file", func() {
			Expect(config.IsValidConfigFile(filepath.Join(tmpdir, "nope.json"))).To(BeFalse())
		})

		It("rejects malformed JSON", func() {
			path := filepath.Join(tmpdir, "config.json")
			err := os.WriteFile(path, []byte("{"), 0644)
			Expect(err).ToNot(HaveOccurred())

			Expect(config.IsValidConfigFile(path)).To(BeFalse())
		})
	})

	Describe("DefaultPath", func() {
		Context("when SANDBOX_CONFIG_PATH is set", func() {
			BeforeEach(func() {
				os.Setenv("SANDBOX_CONFIG_PATH", "/somewhere/config.json")
			})

			AfterEach(func() {
				os.Unsetenv("SANDBOX_CONFIG_PATH")
			})

			It("returns it verbatim", func() {
				Expect(config.DefaultPath()).To(Equal("/somewhere/config.json"))
			})
		})
	})
})
