package command_runner_test

import (
	"os/exec"
	"syscall"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudfoundry-incubator/hutch/command_runner"
)

var _ = Describe("Running commands", func() {
	var runner *command_runner.RealCommandRunner

	BeforeEach(func() {
		runner = command_runner.New()
	})

	It("runs the command and propagates success", func() {
		err := runner.Run(exec.Command("/bin/true"))
		Expect(err).ToNot(HaveOccurred())
	})

	It("propagates failing exit statuses", func() {
		err := runner.Run(exec.Command("/bin/false"))
		Expect(err).To(HaveOccurred())
	})

	Describe("starting and waiting", func() {
		It("starts without blocking and waits for completion", func() {
			cmd := exec.Command("/bin/true")

			err := runner.Start(cmd)
			Expect(err).ToNot(HaveOccurred())

			err = runner.Wait(cmd)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Describe("signalling", func() {
		It("delivers the signal to a running command", func() {
			cmd := exec.Command("/bin/sleep", "10")

			err := runner.Start(cmd)
			Expect(err).ToNot(HaveOccurred())

			err = runner.Signal(cmd, syscall.SIGTERM)
			Expect(err).ToNot(HaveOccurred())

			err = runner.Wait(cmd)
			Expect(err).To(HaveOccurred())

			exitErr, ok := err.(*exec.ExitError)
			Expect(ok).To(BeTrue())

			status := exitErr.Sys().(syscall.WaitStatus)
			Expect(status.Signaled()).To(BeTrue())
			Expect(status.Signal()).To(Equal(syscall.SIGTERM))
		})

		It("errors when the command is not running", func() {
			cmd := exec.Command("/bin/true")

			err := runner.Signal(cmd, syscall.SIGTERM)
			Expect(err).To(BeAssignableToTypeOf(command_runner.CommandNotRunningError{}))
		})
	})

	Describe("killing", func() {
		It("errors when the command is not running", func() {
			cmd := exec.Command("/bin/true")

			err := runner.Kill(cmd)
			Expect(err).To(BeAssignableToTypeOf(command_runner.CommandNotRunningError{}))
		})
	})

	Describe("backgrounding", func() {
		It("starts the command in its own session", func() {
			cmd := exec.Command("/bin/true")

			err := runner.Background(cmd)
			Expect(err).ToNot(HaveOccurred())

			Expect(cmd.SysProcAttr.Setsid).To(BeTrue())

			runner.Wait(cmd)
		})
	})
})
