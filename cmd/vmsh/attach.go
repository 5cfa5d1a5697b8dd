package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vmsh-io/vmsh/internal/attach"
)

func newAttachCmd() *cobra.Command {
	var (
		backing  string
		readOnly bool
		bpfObj   string
	)

	cmd := &cobra.Command{
		Use:   "attach <pid>",
		Short: "Attach a VirtIO block device to a running hypervisor process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			setupLogging(pid)

			if backing == "" {
				return errMissingBacking
			}

			return attach.Run(context.Background(), attach.Options{
				Pid:           pid,
				BackingFile:   backing,
				ReadOnly:      readOnly,
				BpfObjectPath: bpfObj,
			})
		},
	}

	cmd.Flags().StringVar(&backing, "backing", "", "path to the disk image backing the injected block device")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "expose the device as read-only regardless of the backing file's own permissions")
	cmd.Flags().StringVar(&bpfObj, "memslot-bpf-object", "", "path to the bpf2go-built memslot kprobe object (see internal/memslots/bpf)")

	return cmd
}

var errMissingBacking = cobraUsageError{"--backing is required"}

type cobraUsageError struct{ msg string }

func (e cobraUsageError) Error() string { return e.msg }
