// Command vmsh hot-attaches a VirtIO block device to an already-running
// KVM hypervisor process, or inspects/coredumps one without attaching.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vmsh-io/vmsh/internal/logging"
)

var (
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "vmsh",
		Short: "Hot-attach devices to a running KVM hypervisor process",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newAttachCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newCoredumpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(pid int) {
	level := logrus.InfoLevel
	if verbose {
		level = logrus.DebugLevel
	}
	logging.Setup(level, pid)
}
