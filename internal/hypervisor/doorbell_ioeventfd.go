//go:build !ioregionfd

package hypervisor

// UseIoregionfd reports which doorbell fast path this build was
// compiled with. The default build reports false; compiling with
// -tags ioregionfd makes it report true and adds RegisterIoregionfd
// (doorbell_ioregionfd.go). The attach driver does not consult it: it
// always registers its queue-notify doorbell with Ioeventfd.
func UseIoregionfd() bool { return false }
