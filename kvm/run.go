package kvm

// RunData is the kvm_run structure shared with the kernel for one vCPU.
// Data covers the union of per-exit payloads; IO and MMIO decode the two
// members we care about.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes a KVM_EXIT_IO payload: direction, size, port, count and the
// offset of the data window from the start of this struct's mapping.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes a KVM_EXIT_MMIO payload. Unlike IO, the eight data
// bytes live inline in the struct, starting at Data[1].
func (r *RunData) MMIO() (phys uint64, length uint32, isWrite bool) {
	phys = r.Data[0]
	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return phys, length, isWrite
}
