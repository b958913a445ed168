package m10bmc

import "time"

// Register map of the MAX10 BMC secure update engine.
const (
	SysBase        = 0x00300800
	DoorbellAddr   = SysBase + 0x400
	AuthResultAddr = SysBase + 0x404

	StagingBase = 0x18000000
	StagingSize = 0x03800000

	UserFlashCountAddr = 0x17ffb000
	flashCountSize     = 4096

	cskVecOffset = 0x34
	CSKBitLen    = 128
)

// Doorbell fields.
const (
	RSURequest     = 1 << 0
	rsuProgShift   = 4
	rsuProgMask    = 0xf << rsuProgShift
	hostStatShift  = 8
	HostStatusMask = 0xf << hostStatShift
	rsuStatShift   = 16
	rsuStatMask    = 0xff << rsuStatShift
)

// RSU progress values reported by the BMC.
const (
	ProgIdle           = 0x0
	ProgPrepare        = 0x1
	ProgReady          = 0x3
	ProgAuthenticating = 0x4
	ProgCopying        = 0x5
	ProgUpdateCancel   = 0x6
	ProgProgramKeyHash = 0x7
	ProgRSUDone        = 0x8
)

// RSU status values reported by the BMC.
const (
	StatNormal      = 0x00
	StatTimeout     = 0x01
	StatAuthFail    = 0x02
	StatCopyFail    = 0x03
	StatFatal       = 0x04
	StatEraseFail   = 0x07
	StatWearout     = 0x08
	StatNiosOK      = 0x80
	StatUserOK      = 0x81
	StatFactoryOK   = 0x82
	StatUserFail    = 0x83
	StatFactoryFail = 0x84
)

// Host status values written by the driver.
const (
	HostIdle      = 0x0
	HostWriteDone = 0x1
	HostAbortRSU  = 0x2
)

func rsuProg(doorbell uint32) uint32 {
	return (doorbell & rsuProgMask) >> rsuProgShift
}

func rsuStat(doorbell uint32) uint32 {
	return (doorbell & rsuStatMask) >> rsuStatShift
}

func hostStatus(doorbell uint32) uint32 {
	return (doorbell & HostStatusMask) >> hostStatShift
}

func hostStatusField(status uint32) uint32 {
	return (status << hostStatShift) & HostStatusMask
}

// DoorbellValue assembles a doorbell register from its fields.
func DoorbellValue(prog, stat uint32) uint32 {
	return (prog<<rsuProgShift)&rsuProgMask | (stat<<rsuStatShift)&rsuStatMask
}

func rsuStatOK(stat uint32) bool {
	switch stat {
	case StatNormal, StatNiosOK, StatUserOK, StatFactoryOK:
		return true
	default:
		return false
	}
}

// Timing holds the polling intervals and timeouts of the handshakes.
type Timing struct {
	HandshakeInterval time.Duration
	HandshakeTimeout  time.Duration
	PrepareInterval   time.Duration
	PrepareTimeout    time.Duration
	CompleteInterval  time.Duration
	CompleteTimeout   time.Duration
}

// DefaultTiming matches what the BMC firmware documents. Programming can
// take up to 40 minutes.
var DefaultTiming = Timing{
	HandshakeInterval: 100 * time.Millisecond,
	HandshakeTimeout:  5 * time.Second,
	PrepareInterval:   100 * time.Millisecond,
	PrepareTimeout:    5 * time.Second,
	CompleteInterval:  time.Second,
	CompleteTimeout:   40 * time.Minute,
}

// Images protected by the BMC.
const (
	ImageBMC = "bmc"
	ImageSR  = "sr"
	ImagePR  = "pr"
)

type imageRegs struct {
	progAddr uint32
	rehAddr  uint32
	magic    uint32
}

var imageTable = map[string]imageRegs{
	ImageBMC: {progAddr: 0x17ffc000, rehAddr: 0x17ffc004, magic: 0x5746},
	ImageSR:  {progAddr: 0x17ffd000, rehAddr: 0x17ffd004, magic: 0x5253},
	ImagePR:  {progAddr: 0x17ffe000, rehAddr: 0x17ffe004, magic: 0x5250},
}
