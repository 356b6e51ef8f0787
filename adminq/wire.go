package adminq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies an admin queue command.
type Opcode uint32

const (
	OpDescribeDevice             = Opcode(0x1)
	OpConfigureDeviceResources   = Opcode(0x2)
	OpRegisterPageList           = Opcode(0x3)
	OpUnregisterPageList         = Opcode(0x4)
	OpCreateTxQueue              = Opcode(0x5)
	OpCreateRxQueue              = Opcode(0x6)
	OpDestroyTxQueue             = Opcode(0x7)
	OpDestroyRxQueue             = Opcode(0x8)
	OpDeconfigureDeviceResources = Opcode(0x9)
	OpSetDriverParameter         = Opcode(0xb)
	OpReportStats                = Opcode(0xc)
	OpReportLinkSpeed            = Opcode(0xd)
	OpGetPtypeMap                = Opcode(0xe)
	OpVerifyDriverCompatibility  = Opcode(0xf)
)

// Opcodes lists every opcode known to this package in wire order.
var Opcodes = []Opcode{
	OpDescribeDevice,
	OpConfigureDeviceResources,
	OpRegisterPageList,
	OpUnregisterPageList,
	OpCreateTxQueue,
	OpCreateRxQueue,
	OpDestroyTxQueue,
	OpDestroyRxQueue,
	OpDeconfigureDeviceResources,
	OpSetDriverParameter,
	OpReportStats,
	OpReportLinkSpeed,
	OpGetPtypeMap,
	OpVerifyDriverCompatibility,
}

// CommandSize is the size of a ring slot. Every command has this size on the wire.
const CommandSize = 64

// payloadSize is the space left in a slot after the opcode and status words.
const payloadSize = CommandSize - 8

// DescriptorVersion is the device descriptor layout requested by DescribeDevice.
const DescriptorVersion = 1

// RawAddressingQPLID is the page list id used by queues that don't use a QPL.
const RawAddressingQPLID = 0xffffffff

// Driver parameter types for SetDriverParameter.
const (
	ParamMTU = 0x1
)

var be = binary.BigEndian

// Command is an admin queue command. The opcode is implied by the payload type.
type Command struct {

	// Status is written by the device. It is ignored when the command is issued.
	Status Status

	Payload Payload
}

// Payload is the opcode-specific part of a command. It is one of the payload
// structs in this package, or RawPayload for opcodes the package doesn't know.
type Payload interface {
	Opcode() Opcode
}

// DescribeDevice asks the device to write its descriptor to guest memory.
type DescribeDevice struct {
	DescriptorAddr    uint64
	DescriptorVersion uint32
	AvailableLength   uint32
}

// ConfigureDeviceResources hands the device its event counters and IRQ doorbells.
type ConfigureDeviceResources struct {
	CounterArray           uint64
	IRQDoorbellAddr        uint64
	NumCounters            uint32
	NumIRQDoorbells        uint32
	IRQDoorbellStride      uint32
	NotifyBlockMSIXBaseIdx uint32
	QueueFormat            QueueFormat
	_                      [7]byte
}

// RegisterPageList registers a queue page list. PageAddressListAddr points at
// NumPages big-endian page addresses.
type RegisterPageList struct {
	PageListID          uint32
	NumPages            uint32
	PageAddressListAddr uint64
	PageSize            uint64
}

type UnregisterPageList struct {
	PageListID uint32
}

type CreateTxQueue struct {
	QueueID            uint32
	_                  uint32
	QueueResourcesAddr uint64
	TxRingAddr         uint64
	QueuePageListID    uint32
	NotifyID           uint32
	TxCompRingAddr     uint64
	TxRingSize         uint16
	TxCompRingSize     uint16
	_                  [4]byte
}

type CreateRxQueue struct {
	QueueID            uint32
	Index              uint32
	_                  uint32
	NotifyID           uint32
	QueueResourcesAddr uint64
	RxDescRingAddr     uint64
	RxDataRingAddr     uint64
	QueuePageListID    uint32
	RxRingSize         uint16
	PacketBufferSize   uint16
	RxBuffRingSize     uint16
	EnableRSC          uint8
	_                  [5]byte
}

type DestroyTxQueue struct {
	QueueID uint32
}

type DestroyRxQueue struct {
	QueueID uint32
}

// DeconfigureDeviceResources has no parameters.
type DeconfigureDeviceResources struct{}

type SetDriverParameter struct {
	ParameterType  uint32
	_              [4]byte
	ParameterValue uint64
}

type ReportStats struct {
	StatsReportLen  uint64
	StatsReportAddr uint64
	Interval        uint64
}

// ReportLinkSpeed asks the device to write the link speed in bits per
// second as a big-endian uint64 at LinkSpeedAddr.
type ReportLinkSpeed struct {
	LinkSpeedAddr uint64
}

type GetPtypeMap struct {
	PtypeMapLen  uint64
	PtypeMapAddr uint64
}

type VerifyDriverCompatibility struct {
	DriverInfoLen  uint64
	DriverInfoAddr uint64
}

// RawPayload carries the payload bytes of a command whose opcode isn't known.
type RawPayload struct {
	Op   Opcode
	Data [payloadSize]byte
}

func (DescribeDevice) Opcode() Opcode             { return OpDescribeDevice }
func (ConfigureDeviceResources) Opcode() Opcode   { return OpConfigureDeviceResources }
func (RegisterPageList) Opcode() Opcode           { return OpRegisterPageList }
func (UnregisterPageList) Opcode() Opcode         { return OpUnregisterPageList }
func (CreateTxQueue) Opcode() Opcode              { return OpCreateTxQueue }
func (CreateRxQueue) Opcode() Opcode              { return OpCreateRxQueue }
func (DestroyTxQueue) Opcode() Opcode             { return OpDestroyTxQueue }
func (DestroyRxQueue) Opcode() Opcode             { return OpDestroyRxQueue }
func (DeconfigureDeviceResources) Opcode() Opcode { return OpDeconfigureDeviceResources }
func (SetDriverParameter) Opcode() Opcode         { return OpSetDriverParameter }
func (ReportStats) Opcode() Opcode                { return OpReportStats }
func (ReportLinkSpeed) Opcode() Opcode            { return OpReportLinkSpeed }
func (GetPtypeMap) Opcode() Opcode                { return OpGetPtypeMap }
func (VerifyDriverCompatibility) Opcode() Opcode  { return OpVerifyDriverCompatibility }
func (p RawPayload) Opcode() Opcode               { return p.Op }

var decoders = map[Opcode]func([]byte) (Payload, error){
	OpDescribeDevice:             decodePayload[DescribeDevice],
	OpConfigureDeviceResources:   decodePayload[ConfigureDeviceResources],
	OpRegisterPageList:           decodePayload[RegisterPageList],
	OpUnregisterPageList:         decodePayload[UnregisterPageList],
	OpCreateTxQueue:              decodePayload[CreateTxQueue],
	OpCreateRxQueue:              decodePayload[CreateRxQueue],
	OpDestroyTxQueue:             decodePayload[DestroyTxQueue],
	OpDestroyRxQueue:             decodePayload[DestroyRxQueue],
	OpDeconfigureDeviceResources: decodePayload[DeconfigureDeviceResources],
	OpSetDriverParameter:         decodePayload[SetDriverParameter],
	OpReportStats:                decodePayload[ReportStats],
	OpReportLinkSpeed:            decodePayload[ReportLinkSpeed],
	OpGetPtypeMap:                decodePayload[GetPtypeMap],
	OpVerifyDriverCompatibility:  decodePayload[VerifyDriverCompatibility],
}

func decodePayload[P Payload](data []byte) (Payload, error) {
	var p P
	if err := binary.Read(bytes.NewReader(data), be, &p); err != nil {
		return nil, err
	}

	return p, nil
}

// MarshalBinary returns the 64-byte wire form of the command.
func (c *Command) MarshalBinary() (data []byte, err error) {
	data = make([]byte, CommandSize)
	if err := c.MarshalTo(data); err != nil {
		return nil, err
	}

	return data, nil
}

// MarshalTo writes the wire form of the command into slot, which must be at
// least CommandSize bytes. Unused payload bytes are zeroed.
func (c *Command) MarshalTo(slot []byte) error {
	if len(slot) < CommandSize {
		return io.ErrShortBuffer
	}

	if c.Payload == nil {
		return fmt.Errorf("adminq: command has no payload")
	}

	slot = slot[:CommandSize]
	clear(slot)

	be.PutUint32(slot[0:], uint32(c.Payload.Opcode()))
	be.PutUint32(slot[4:], uint32(c.Status))

	if raw, ok := c.Payload.(RawPayload); ok {
		copy(slot[8:], raw.Data[:])
		return nil
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, be, c.Payload); err != nil {
		return fmt.Errorf("adminq: encode %v: %w", c.Payload.Opcode(), err)
	}

	if buf.Len() > payloadSize {
		panic(fmt.Sprintf("adminq: %v payload is %d bytes", c.Payload.Opcode(), buf.Len()))
	}

	copy(slot[8:], buf.Bytes())
	return nil
}

// UnmarshalBinary decodes a command from its wire form. It returns
// io.ErrUnexpectedEOF if data is shorter than CommandSize.
func (c *Command) UnmarshalBinary(data []byte) error {
	if len(data) < CommandSize {
		return io.ErrUnexpectedEOF
	}

	op := Opcode(be.Uint32(data[0:]))
	c.Status = Status(be.Uint32(data[4:]))

	decode, ok := decoders[op]
	if !ok {
		raw := RawPayload{Op: op}
		copy(raw.Data[:], data[8:CommandSize])
		c.Payload = raw
		return nil
	}

	p, err := decode(data[8:CommandSize])
	if err != nil {
		return fmt.Errorf("adminq: decode %v: %w", op, err)
	}

	c.Payload = p
	return nil
}

// Opcode returns the opcode of the command's payload, or 0 if it has none.
func (c *Command) Opcode() Opcode {
	if c.Payload == nil {
		return 0
	}

	return c.Payload.Opcode()
}

func (op Opcode) String() string {
	switch op {
	case OpDescribeDevice:
		return "describe_device"

	case OpConfigureDeviceResources:
		return "configure_device_resources"

	case OpRegisterPageList:
		return "register_page_list"

	case OpUnregisterPageList:
		return "unregister_page_list"

	case OpCreateTxQueue:
		return "create_tx_queue"

	case OpCreateRxQueue:
		return "create_rx_queue"

	case OpDestroyTxQueue:
		return "destroy_tx_queue"

	case OpDestroyRxQueue:
		return "destroy_rx_queue"

	case OpDeconfigureDeviceResources:
		return "deconfigure_device_resources"

	case OpSetDriverParameter:
		return "set_driver_parameter"

	case OpReportStats:
		return "report_stats"

	case OpReportLinkSpeed:
		return "report_link_speed"

	case OpGetPtypeMap:
		return "get_ptype_map"

	case OpVerifyDriverCompatibility:
		return "verify_driver_compatibility"

	default:
		return fmt.Sprintf("Opcode(%#x)", uint32(op))
	}
}
