package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vmsh-io/vmsh/internal/hypervisor"
)

// newCoredumpCmd writes a raw concatenation of every memslot's guest
// memory to path, in ascending guest-physical order. No header or
// metadata is written — there is no specified coredump file format,
// so this is deliberately the simplest thing that is still useful for
// offline inspection with a hex editor or `strings`.
func newCoredumpCmd() *cobra.Command {
	var bpfObj string

	cmd := &cobra.Command{
		Use:   "coredump <pid> [path]",
		Short: "Dump a running hypervisor's guest memory to a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			path := fmt.Sprintf("vmsh-coredump-%d.raw", pid)
			if len(args) == 2 {
				path = args[1]
			}
			setupLogging(pid)

			h, err := hypervisor.Open(pid, bpfObj)
			if err != nil {
				return err
			}
			defer h.Close()

			if err := h.Stop(); err != nil {
				return err
			}
			defer h.Resume()

			slots, err := h.GetMaps()
			if err != nil {
				return err
			}

			out, err := os.Create(path)
			if err != nil {
				return err
			}
			defer out.Close()

			sort.Slice(slots, func(i, j int) bool { return slots[i].PhysicalStart() < slots[j].PhysicalStart() })
			buf := make([]byte, 1<<20)
			for _, s := range slots {
				remaining := s.Size()
				addr := uintptr(s.UserspaceAddr)
				for remaining > 0 {
					n := uint64(len(buf))
					if n > remaining {
						n = remaining
					}
					if err := h.Tracee().ReadAt(addr, buf[:n]); err != nil {
						return err
					}
					if _, err := out.Write(buf[:n]); err != nil {
						return err
					}
					addr += uintptr(n)
					remaining -= n
				}
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&bpfObj, "memslot-bpf-object", "", "path to the bpf2go-built memslot kprobe object")
	cmd.MarkFlagRequired("memslot-bpf-object")
	return cmd
}
