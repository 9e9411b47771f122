package machine

const (
	// Real-mode load layout. The setup image lands at segment 0x1000
	// and the boot protocol entry point sits 512 bytes in.
	bootParamAddr = 0x10000
	cmdlineAddr   = 0x20000

	realModeSelector = 0x1000
	realModeEntry    = 0x200
	realModeStack    = 0x8000

	// tssAddr is the legacy three-page TSS scratch range.
	tssAddr = 0xfffbd000

	// initrdAddrMaxDefault covers pre-2.03 headers that leave
	// initrd_addr_max zero.
	initrdAddrMaxDefault = 0x37ffffff

	MinMemSize = 1 << 25
)

const (
	// Poison fills high memory so a guest that jumps into the weeds
	// exits instead of sliding through zeroes.
	//
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)
