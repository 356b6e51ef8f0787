package sim

import (
	"github.com/c35s/gvnic/adminq"
	"github.com/sirupsen/logrus"
)

// process executes a command and returns its status. The caller holds d.mu.
func (d *Device) process(n uint32, cmd *adminq.Command) adminq.Status {
	if d.cfg.Status != nil {
		if s, ok := d.cfg.Status(n, cmd); ok {
			return s
		}
	}

	log := d.log.WithFields(logrus.Fields{
		"n":      n,
		"opcode": cmd.Opcode(),
	})

	s := d.dispatch(cmd)
	if s != adminq.StatusPassed {
		log.WithField("status", s).Debug("command failed")
	}

	return s
}

func (d *Device) dispatch(cmd *adminq.Command) adminq.Status {
	switch p := cmd.Payload.(type) {
	case adminq.DescribeDevice:
		return d.describeDevice(p)

	case adminq.ConfigureDeviceResources:
		return d.configureDeviceResources(p)

	case adminq.DeconfigureDeviceResources:
		if !d.state.configured {
			return adminq.StatusFailedPrecondition
		}

		d.state.configured = false
		d.state.counters = 0
		return adminq.StatusPassed

	case adminq.RegisterPageList:
		return d.registerPageList(p)

	case adminq.UnregisterPageList:
		return d.unregisterPageList(p)

	case adminq.CreateTxQueue:
		return d.createQueue(d.state.txq, p.QueueID, p.QueuePageListID, p.TxRingSize)

	case adminq.CreateRxQueue:
		return d.createQueue(d.state.rxq, p.QueueID, p.QueuePageListID, p.RxRingSize)

	case adminq.DestroyTxQueue:
		return d.destroyQueue(d.state.txq, p.QueueID)

	case adminq.DestroyRxQueue:
		return d.destroyQueue(d.state.rxq, p.QueueID)

	case adminq.SetDriverParameter:
		return d.setDriverParameter(p)

	case adminq.ReportStats:
		return d.reportStats(p)

	case adminq.ReportLinkSpeed:
		b, err := d.mem.MemAt(p.LinkSpeedAddr, 8)
		if err != nil {
			return adminq.StatusInvalidArgument
		}

		be.PutUint64(b, d.cfg.LinkSpeed)
		return adminq.StatusPassed

	case adminq.GetPtypeMap:
		return d.getPtypeMap(p)

	case adminq.VerifyDriverCompatibility:
		return d.verifyDriverCompatibility(p)

	default:
		return adminq.StatusUnimplemented
	}
}

func (d *Device) describeDevice(p adminq.DescribeDevice) adminq.Status {
	if p.DescriptorVersion != adminq.DescriptorVersion {
		return adminq.StatusInvalidArgument
	}

	desc, err := d.descriptor()
	if err != nil {
		d.log.WithError(err).Error("failed to encode descriptor")
		return adminq.StatusInternalError
	}

	if len(desc) > int(p.AvailableLength) {
		return adminq.StatusOutOfRange
	}

	b, err := d.mem.MemAt(p.DescriptorAddr, len(desc))
	if err != nil {
		return adminq.StatusInvalidArgument
	}

	copy(b, desc)
	return adminq.StatusPassed
}

func (d *Device) descriptor() ([]byte, error) {
	if d.cfg.Descriptor != nil {
		return d.cfg.Descriptor, nil
	}

	opts := d.cfg.Options
	if opts == nil {
		opts = append(opts, adminq.Option{
			ID:      adminq.OptGQIQPL,
			Payload: adminq.OptionGQIQPL{SupportedFeaturesMask: d.cfg.Features},
		})

		if d.cfg.MaxTxRingSize != 0 || d.cfg.MaxRxRingSize != 0 {
			opts = append(opts, adminq.Option{
				ID: adminq.OptModifyRing,
				Payload: adminq.OptionModifyRing{
					SupportedFeaturesMask: adminq.SupModifyRing,
					MaxRxRingSize:         d.cfg.MaxRxRingSize,
					MaxTxRingSize:         d.cfg.MaxTxRingSize,
				},
			})
		}

		if d.cfg.JumboMTU != 0 {
			opts = append(opts, adminq.Option{
				ID: adminq.OptJumboFrames,
				Payload: adminq.OptionJumboFrames{
					SupportedFeaturesMask: adminq.SupJumboFrames,
					MaxMTU:                d.cfg.JumboMTU,
				},
			})
		}
	}

	desc := adminq.DeviceDescriptor{
		MaxRegisteredPages: d.cfg.MaxRegisteredPages,
		TxQueueEntries:     d.cfg.TxQueueEntries,
		RxQueueEntries:     d.cfg.RxQueueEntries,
		DefaultNumQueues:   d.cfg.DefaultNumQueues,
		MTU:                d.cfg.MTU,
		Counters:           d.cfg.Counters,
		RxPagesPerQPL:      d.cfg.RxPagesPerQPL,
	}

	copy(desc.MAC[:], d.cfg.MAC)
	return adminq.EncodeDescriptor(desc, opts...)
}

func (d *Device) configureDeviceResources(p adminq.ConfigureDeviceResources) adminq.Status {
	if d.state.configured {
		return adminq.StatusAlreadyExists
	}

	if p.QueueFormat != adminq.QueueFormatGQIQPL {
		return adminq.StatusUnimplemented
	}

	if p.NumCounters == 0 || p.NumCounters > uint32(d.cfg.Counters) {
		return adminq.StatusInvalidArgument
	}

	if _, err := d.mem.MemAt(p.CounterArray, int(p.NumCounters)*4); err != nil {
		return adminq.StatusInvalidArgument
	}

	if p.NumIRQDoorbells > 0 {
		if _, err := d.mem.MemAt(p.IRQDoorbellAddr, int(p.NumIRQDoorbells*p.IRQDoorbellStride)); err != nil {
			return adminq.StatusInvalidArgument
		}
	}

	d.state.configured = true
	d.state.counters = p.NumCounters
	return adminq.StatusPassed
}

func (d *Device) registerPageList(p adminq.RegisterPageList) adminq.Status {
	if _, ok := d.state.qpls[p.PageListID]; ok {
		return adminq.StatusAlreadyExists
	}

	if p.NumPages == 0 || p.PageSize != adminq.PageSize {
		return adminq.StatusInvalidArgument
	}

	used := uint64(0)
	for _, pp := range d.state.qpls {
		used += uint64(len(pp))
	}

	if used+uint64(p.NumPages) > d.cfg.MaxRegisteredPages {
		return adminq.StatusResourceExhausted
	}

	list, err := d.mem.MemAt(p.PageAddressListAddr, int(p.NumPages)*8)
	if err != nil {
		return adminq.StatusInvalidArgument
	}

	pages := make([]uint64, p.NumPages)
	for i := range pages {
		pages[i] = be.Uint64(list[i*8:])
		if _, err := d.mem.MemAt(pages[i], int(p.PageSize)); err != nil {
			return adminq.StatusInvalidArgument
		}
	}

	d.state.qpls[p.PageListID] = pages
	return adminq.StatusPassed
}

func (d *Device) unregisterPageList(p adminq.UnregisterPageList) adminq.Status {
	if _, ok := d.state.qpls[p.PageListID]; !ok {
		return adminq.StatusNotFound
	}

	for _, m := range []map[uint32]uint32{d.state.txq, d.state.rxq} {
		for _, id := range m {
			if id == p.PageListID {
				return adminq.StatusFailedPrecondition
			}
		}
	}

	delete(d.state.qpls, p.PageListID)
	return adminq.StatusPassed
}

func (d *Device) createQueue(m map[uint32]uint32, id, qpl uint32, size uint16) adminq.Status {
	if !d.state.configured {
		return adminq.StatusFailedPrecondition
	}

	if _, ok := m[id]; ok {
		return adminq.StatusAlreadyExists
	}

	if qpl != adminq.RawAddressingQPLID {
		if _, ok := d.state.qpls[qpl]; !ok {
			return adminq.StatusFailedPrecondition
		}
	}

	if size == 0 || size&(size-1) != 0 {
		return adminq.StatusInvalidArgument
	}

	m[id] = qpl
	return adminq.StatusPassed
}

func (d *Device) destroyQueue(m map[uint32]uint32, id uint32) adminq.Status {
	if _, ok := m[id]; !ok {
		return adminq.StatusNotFound
	}

	delete(m, id)
	return adminq.StatusPassed
}

func (d *Device) setDriverParameter(p adminq.SetDriverParameter) adminq.Status {
	if p.ParameterType != adminq.ParamMTU {
		return adminq.StatusInvalidArgument
	}

	if p.ParameterValue < adminq.MinMTU || p.ParameterValue > uint64(d.maxMTU()) {
		return adminq.StatusInvalidArgument
	}

	d.state.mtu = uint16(p.ParameterValue)
	return adminq.StatusPassed
}

func (d *Device) maxMTU() uint16 {
	if d.cfg.JumboMTU != 0 && d.cfg.Features&adminq.SupJumboFrames != 0 {
		return max(d.cfg.MTU, d.cfg.JumboMTU)
	}

	return d.cfg.MTU
}

// reportStats writes the device's statistics for each rx queue.
func (d *Device) reportStats(p adminq.ReportStats) adminq.Status {
	if p.StatsReportLen < adminq.StatsReportHeaderSize {
		return adminq.StatusInvalidArgument
	}

	b, err := d.mem.MemAt(p.StatsReportAddr, int(p.StatsReportLen))
	if err != nil {
		return adminq.StatusInvalidArgument
	}

	names := []uint32{
		adminq.StatRxQueueDropCnt,
		adminq.StatRxNoBuffersPosted,
		adminq.StatRxDropsPacketOverMRU,
		adminq.StatRxDropsInvalidChecksum,
	}

	room := (len(b) - adminq.StatsReportHeaderSize) / 16
	n := 0
	for qid := uint32(0); qid < uint32(len(d.state.rxq)); qid++ {
		for _, name := range names {
			if n == room {
				break
			}

			e := b[adminq.StatsReportHeaderSize+n*16:]
			be.PutUint32(e[0:], name)
			be.PutUint32(e[4:], qid)
			be.PutUint64(e[8:], 0)
			n++
		}
	}

	be.PutUint64(b, uint64(n))
	d.state.report = p
	return adminq.StatusPassed
}

func (d *Device) getPtypeMap(p adminq.GetPtypeMap) adminq.Status {
	if p.PtypeMapLen < adminq.PtypeMapSize {
		return adminq.StatusInvalidArgument
	}

	b, err := d.mem.MemAt(p.PtypeMapAddr, adminq.PtypeMapSize)
	if err != nil {
		return adminq.StatusInvalidArgument
	}

	clear(b)
	for i, e := range ptypes {
		b[2*i] = e.L3
		b[2*i+1] = e.L4
	}

	return adminq.StatusPassed
}

// ptypes is the packet type table the device reports. Unlisted types are unknown.
var ptypes = []adminq.PtypeEntry{
	{L3: adminq.L3Other, L4: adminq.L4Other},
	{L3: adminq.L3IPv4, L4: adminq.L4Other},
	{L3: adminq.L3IPv4, L4: adminq.L4TCP},
	{L3: adminq.L3IPv4, L4: adminq.L4UDP},
	{L3: adminq.L3IPv4, L4: adminq.L4ICMP},
	{L3: adminq.L3IPv6, L4: adminq.L4Other},
	{L3: adminq.L3IPv6, L4: adminq.L4TCP},
	{L3: adminq.L3IPv6, L4: adminq.L4UDP},
	{L3: adminq.L3IPv6, L4: adminq.L4ICMP},
	{L3: adminq.L3IPv4, L4: adminq.L4SCTP},
	{L3: adminq.L3IPv6, L4: adminq.L4SCTP},
}

func (d *Device) verifyDriverCompatibility(p adminq.VerifyDriverCompatibility) adminq.Status {
	if d.cfg.Legacy {
		return adminq.StatusUnimplemented
	}

	if p.DriverInfoLen < adminq.DriverInfoSize {
		return adminq.StatusInvalidArgument
	}

	b, err := d.mem.MemAt(p.DriverInfoAddr, adminq.DriverInfoSize)
	if err != nil {
		return adminq.StatusInvalidArgument
	}

	di := new(adminq.DriverInfo)
	if err := di.UnmarshalBinary(b); err != nil {
		return adminq.StatusInvalidArgument
	}

	if !di.HasCapability(adminq.CapGQIQPL) {
		return adminq.StatusFailedPrecondition
	}

	d.state.driver = di
	return adminq.StatusPassed
}
