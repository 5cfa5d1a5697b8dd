package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vmsh-io/vmsh/internal/hypervisor"
)

func newInspectCmd() *cobra.Command {
	var bpfObj string

	cmd := &cobra.Command{
		Use:   "inspect <pid>",
		Short: "Print the KVM VM/VCPU file descriptors and memory maps of a running hypervisor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			setupLogging(pid)

			h, err := hypervisor.Open(pid, bpfObj)
			if err != nil {
				return err
			}
			defer h.Close()

			fmt.Printf("pid=%d vm_fd=%d vcpus=%d\n", h.Pid, h.VMFd, len(h.VCPUs))
			for _, v := range h.VCPUs {
				fmt.Printf("  vcpu %d: fd=%d\n", v.Idx, v.Fd)
			}

			if bpfObj == "" {
				return nil
			}
			h.RLock()
			slots, err := h.GetMaps()
			h.RUnlock()
			if err != nil {
				return err
			}
			for i, s := range slots {
				fmt.Printf("  memslot %d: gpa=0x%x size=0x%x hva=0x%x\n", i, s.PhysicalStart(), s.Size(), s.UserspaceAddr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bpfObj, "memslot-bpf-object", "", "path to the bpf2go-built memslot kprobe object; omit to skip memslot listing")
	return cmd
}
