package adminq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"slices"

	"github.com/sirupsen/logrus"
)

const (
	// MaxRingSize is the data path ring size limit when the device doesn't
	// announce its own through the modify ring option.
	MaxRingSize = 1024

	// MinMTU is the smallest MTU the driver accepts.
	MinMTU = 68
)

// DeviceConfig is the driver configuration negotiated with the device.
type DeviceConfig struct {
	QueueFormat       QueueFormat
	OfferedFormats    []QueueFormat
	SupportedFeatures uint32

	MinMTU uint16
	MaxMTU uint16

	TxDescCount    uint16
	RxDescCount    uint16
	MaxTxDescCount uint16
	MaxRxDescCount uint16

	DefaultNumQueues   uint16
	RxPagesPerQPL      uint16
	MaxRegisteredPages uint64
	NumEventCounters   uint16

	MAC net.HardwareAddr
}

// optionShape describes how a known option is validated.
type optionShape struct {
	size    int
	reqMask uint32
}

var knownOptions = map[OptionID]optionShape{
	OptGQIRawAddressing: {0, ReqFeatGQIRawAddressing},
	OptGQIRDA:           {4, ReqFeatGQIRDA},
	OptGQIQPL:           {4, ReqFeatGQIQPL},
	OptDQORDA:           {4, ReqFeatDQORDA},
	OptModifyRing:       {8, ReqFeatModifyRing},
	OptJumboFrames:      {8, ReqFeatJumboFrames},
}

// Negotiate parses the descriptor written by DescribeDevice and derives the
// driver configuration from it. Options that don't validate are skipped. An
// option list that runs past TotalLength fails with ErrMalformedDescriptor,
// and a descriptor without a usable queue format fails with ErrNoQueueFormat.
func Negotiate(desc []byte, log logrus.FieldLogger) (*DeviceConfig, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var d DeviceDescriptor
	if err := d.UnmarshalBinary(desc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}

	total := int(d.TotalLength)
	if total < DeviceDescriptorSize || total > len(desc) {
		return nil, fmt.Errorf("%w: total length %d, have %d bytes", ErrMalformedDescriptor, total, len(desc))
	}

	var (
		qpl      *OptionGQIQPL
		jumbo    *OptionJumboFrames
		ring     *OptionModifyRing
		formats  []QueueFormat
		off      = DeviceDescriptorSize
		optLog   = log.WithField("num_options", d.NumDeviceOptions)
		accepted = 0
	)

	for i := 0; i < int(d.NumDeviceOptions); i++ {
		if off+DeviceOptionSize > total {
			return nil, fmt.Errorf("%w: option %d header ends at %d, total length %d", ErrMalformedDescriptor, i, off+DeviceOptionSize, total)
		}

		var hdr DeviceOption
		binary.Read(bytes.NewReader(desc[off:off+DeviceOptionSize]), be, &hdr)

		end := off + DeviceOptionSize + int(hdr.Length)
		if end > total {
			return nil, fmt.Errorf("%w: option %d ends at %d, total length %d", ErrMalformedDescriptor, i, end, total)
		}

		body := desc[off+DeviceOptionSize : end]
		off = end

		want, ok := knownOptions[hdr.ID]
		if !ok {
			optLog.WithField("id", fmt.Sprintf("%#x", uint16(hdr.ID))).Debug("unrecognized device option not enabled")
			continue
		}

		l := optLog.WithFields(logrus.Fields{
			"option": hdr.ID.String(),
			"length": hdr.Length,
			"mask":   fmt.Sprintf("%#x", hdr.RequiredFeaturesMask),
		})

		if int(hdr.Length) < want.size || hdr.RequiredFeaturesMask != want.reqMask {
			l.WithFields(logrus.Fields{
				"want_length": want.size,
				"want_mask":   fmt.Sprintf("%#x", want.reqMask),
			}).Warn("device option doesn't match, skipping")
			continue
		}

		if int(hdr.Length) > want.size {
			l.Info("device option is larger than expected, driver may be out of date")
		}

		accepted++
		switch hdr.ID {
		case OptGQIRawAddressing, OptGQIRDA:
			formats = append(formats, QueueFormatGQIRDA)

		case OptDQORDA:
			formats = append(formats, QueueFormatDQORDA)

		case OptGQIQPL:
			qpl = new(OptionGQIQPL)
			binary.Read(bytes.NewReader(body), be, qpl)
			formats = append(formats, QueueFormatGQIQPL)

		case OptModifyRing:
			ring = new(OptionModifyRing)
			binary.Read(bytes.NewReader(body), be, ring)

		case OptJumboFrames:
			jumbo = new(OptionJumboFrames)
			binary.Read(bytes.NewReader(body), be, jumbo)
		}
	}

	optLog.WithField("accepted", accepted).Debug("walked device options")

	if qpl == nil {
		log.WithField("offered", formats).Error("no compatible queue formats")
		return nil, ErrNoQueueFormat
	}

	slices.Sort(formats)
	cfg := &DeviceConfig{
		QueueFormat:        QueueFormatGQIQPL,
		OfferedFormats:     slices.Compact(formats),
		SupportedFeatures:  qpl.SupportedFeaturesMask,
		MinMTU:             MinMTU,
		MaxMTU:             d.MTU,
		TxDescCount:        d.TxQueueEntries,
		RxDescCount:        d.RxQueueEntries,
		MaxTxDescCount:     MaxRingSize,
		MaxRxDescCount:     MaxRingSize,
		DefaultNumQueues:   d.DefaultNumQueues,
		RxPagesPerQPL:      d.RxPagesPerQPL,
		MaxRegisteredPages: d.MaxRegisteredPages,
		NumEventCounters:   d.Counters,
		MAC:                net.HardwareAddr(bytes.Clone(d.MAC[:])),
	}

	if jumbo != nil && cfg.SupportedFeatures&SupJumboFrames != 0 {
		cfg.MaxMTU = jumbo.MaxMTU
	}

	if ring != nil && cfg.SupportedFeatures&SupModifyRing != 0 {
		cfg.MaxTxDescCount = ring.MaxTxRingSize
		cfg.MaxRxDescCount = ring.MaxRxRingSize
	}

	cfg.TxDescCount = min(cfg.TxDescCount, cfg.MaxTxDescCount)
	cfg.RxDescCount = min(cfg.RxDescCount, cfg.MaxRxDescCount)

	log.WithFields(logrus.Fields{
		"queue_format": cfg.QueueFormat.String(),
		"features":     fmt.Sprintf("%#x", cfg.SupportedFeatures),
		"max_mtu":      cfg.MaxMTU,
	}).Info("negotiated queue format")

	return cfg, nil
}
