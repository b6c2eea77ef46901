package ili9341

// ILI9341 command codes.
const (
	cmdNOP     = 0x00
	cmdSWRESET = 0x01

	cmdSLPIN  = 0x10
	cmdSLPOUT = 0x11

	cmdRDMODE     = 0x0A
	cmdRDMADCTL   = 0x0B
	cmdRDPIXFMT   = 0x0C
	cmdRDIMGFMT   = 0x0D
	cmdRDSELFDIAG = 0x0F

	cmdINVOFF   = 0x20
	cmdINVON    = 0x21
	cmdGAMMASET = 0x26
	cmdDISPOFF  = 0x28
	cmdDISPON   = 0x29

	cmdCASET = 0x2A
	cmdPASET = 0x2B
	cmdRAMWR = 0x2C

	cmdMADCTL   = 0x36
	cmdVSCRSADD = 0x37
	cmdPIXFMT   = 0x3A

	cmdFRMCTR1 = 0xB1
	cmdDFUNCTR = 0xB6

	cmdPWCTR1  = 0xC0
	cmdPWCTR2  = 0xC1
	cmdVMCTR1  = 0xC5
	cmdVMCTR2  = 0xC7
	cmdGMCTRP1 = 0xE0
	cmdGMCTRN1 = 0xE1

	cmdGETSCANLINE = 0x45
)

// selfDiagOK is the self-diagnostic register value of a healthy display.
const selfDiagOK = 0xC0

// Expected control register readbacks after a successful init.
const (
	initModeOK   = 0x9C // display power mode
	initPixFmtOK = 0x05 // 16 bit per pixel
	initImgFmtOK = 0x00
)

// initSequence is the power-on configuration, sent after each hardware
// reset. The first group of commands is undocumented vendor magic carried
// over from reference init code.
var initSequence = []struct {
	cmd  byte
	data []byte
}{
	{0xEF, []byte{0x03, 0x80, 0x02}},
	{0xCF, []byte{0x00, 0xC1, 0x30}},
	{0xED, []byte{0x64, 0x03, 0x12, 0x81}},
	{0xE8, []byte{0x85, 0x00, 0x78}},
	{0xCB, []byte{0x39, 0x2C, 0x00, 0x34, 0x02}},
	{0xF7, []byte{0x20}},
	{0xEA, []byte{0x00, 0x00}},
	{cmdPWCTR1, []byte{0x20}},
	{cmdPWCTR2, []byte{0x10}},
	{cmdVMCTR1, []byte{0x3E, 0x28}},
	{cmdVMCTR2, []byte{0x86}},
	{cmdMADCTL, []byte{0x48}},
	{cmdPIXFMT, []byte{0x55}},
	{cmdFRMCTR1, []byte{0x00, 0x18}},
	{cmdDFUNCTR, []byte{0x08, 0x82, 0x27}},
	{0xF2, []byte{0x00}}, // gamma function disable
	{cmdGAMMASET, []byte{0x01}},
	{cmdGMCTRP1, []byte{0x0F, 0x31, 0x2B, 0x0C, 0x0E, 0x08, 0x4E, 0xF1, 0x37, 0x07, 0x10, 0x03, 0x0E, 0x09, 0x00}},
	{cmdGMCTRN1, []byte{0x00, 0x0E, 0x14, 0x03, 0x11, 0x07, 0x31, 0xC1, 0x48, 0x08, 0x0F, 0x0C, 0x31, 0x36, 0x0F}},
}
