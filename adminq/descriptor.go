package adminq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// DeviceDescriptor is the fixed header the device writes in response to
// DescribeDevice. NumDeviceOptions options follow it, and TotalLength covers
// the header and all options.
type DeviceDescriptor struct {
	MaxRegisteredPages uint64
	_                  uint16
	TxQueueEntries     uint16
	RxQueueEntries     uint16
	DefaultNumQueues   uint16
	MTU                uint16
	Counters           uint16
	_                  uint16
	RxPagesPerQPL      uint16
	MAC                [6]byte
	NumDeviceOptions   uint16
	TotalLength        uint16
	_                  [6]byte
}

// DeviceOption is the header of a device option. Length bytes of
// option-specific payload follow it.
type DeviceOption struct {
	ID                   OptionID
	Length               uint16
	RequiredFeaturesMask uint32
}

const (
	DeviceDescriptorSize = 40
	DeviceOptionSize     = 8
)

// OptionID identifies a device option.
type OptionID uint16

const (
	OptGQIRawAddressing = OptionID(0x1)
	OptGQIRDA           = OptionID(0x2)
	OptGQIQPL           = OptionID(0x3)
	OptDQORDA           = OptionID(0x4)
	OptModifyRing       = OptionID(0x6)
	OptJumboFrames      = OptionID(0x8)
)

// Required feature masks. A known option is only used if its required mask
// is exactly the value the driver expects.
const (
	ReqFeatGQIRawAddressing = 0x0
	ReqFeatGQIRDA           = 0x0
	ReqFeatGQIQPL           = 0x0
	ReqFeatDQORDA           = 0x0
	ReqFeatModifyRing       = 0x0
	ReqFeatJumboFrames      = 0x0
)

// Supported feature bits, reported in a queue format option's mask.
const (
	SupModifyRing  = 1 << 0
	SupJumboFrames = 1 << 2
)

// OptionGQIRDA, OptionGQIQPL and OptionDQORDA each announce a queue format.
type OptionGQIRDA struct {
	SupportedFeaturesMask uint32
}

type OptionGQIQPL struct {
	SupportedFeaturesMask uint32
}

type OptionDQORDA struct {
	SupportedFeaturesMask uint32
}

type OptionModifyRing struct {
	SupportedFeaturesMask uint32
	MaxRxRingSize         uint16
	MaxTxRingSize         uint16
}

type OptionJumboFrames struct {
	SupportedFeaturesMask uint32
	MaxMTU                uint16
	_                     [2]byte
}

// QueueFormat is the data path queue layout the driver and device agree on.
type QueueFormat uint8

const (
	QueueFormatUnspecified = QueueFormat(0x0)
	QueueFormatGQIRDA      = QueueFormat(0x1)
	QueueFormatGQIQPL      = QueueFormat(0x2)
	QueueFormatDQORDA      = QueueFormat(0x3)
)

// Option is a device option with its payload, as produced by the device.
type Option struct {
	ID                   OptionID
	RequiredFeaturesMask uint32

	// Payload is an option struct from this package or raw bytes.
	Payload any
}

// EncodeDescriptor builds descriptor bytes for the given header and options.
// NumDeviceOptions and TotalLength are filled in from opts.
func EncodeDescriptor(d DeviceDescriptor, opts ...Option) ([]byte, error) {
	body := new(bytes.Buffer)
	for _, o := range opts {
		var p []byte
		switch v := o.Payload.(type) {
		case nil:
		case []byte:
			p = v

		default:
			pb := new(bytes.Buffer)
			if err := binary.Write(pb, be, v); err != nil {
				return nil, fmt.Errorf("adminq: encode option %v: %w", o.ID, err)
			}

			p = pb.Bytes()
		}

		hdr := DeviceOption{
			ID:                   o.ID,
			Length:               uint16(len(p)),
			RequiredFeaturesMask: o.RequiredFeaturesMask,
		}

		binary.Write(body, be, &hdr)
		body.Write(p)
	}

	d.NumDeviceOptions = uint16(len(opts))
	d.TotalLength = uint16(DeviceDescriptorSize + body.Len())

	buf := new(bytes.Buffer)
	binary.Write(buf, be, &d)
	buf.Write(body.Bytes())

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the fixed descriptor header.
func (d *DeviceDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) < DeviceDescriptorSize {
		return io.ErrUnexpectedEOF
	}

	return binary.Read(bytes.NewReader(data[:DeviceDescriptorSize]), be, d)
}

func (id OptionID) String() string {
	switch id {
	case OptGQIRawAddressing:
		return "GQI raw addressing"

	case OptGQIRDA:
		return "GQI RDA"

	case OptGQIQPL:
		return "GQI QPL"

	case OptDQORDA:
		return "DQO RDA"

	case OptModifyRing:
		return "modify ring"

	case OptJumboFrames:
		return "jumbo frames"

	default:
		return fmt.Sprintf("OptionID(%#x)", uint16(id))
	}
}

func (f QueueFormat) String() string {
	switch f {
	case QueueFormatUnspecified:
		return "unspecified"

	case QueueFormatGQIRDA:
		return "GQI RDA"

	case QueueFormatGQIQPL:
		return "GQI QPL"

	case QueueFormatDQORDA:
		return "DQO RDA"

	default:
		return fmt.Sprintf("QueueFormat(%d)", uint8(f))
	}
}
