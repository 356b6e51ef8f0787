package adminq

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/c35s/gvnic/dma"
)

// DescribeDevice asks the device for its descriptor and negotiates the
// driver configuration from it.
func (q *Queue) DescribeDevice() (*DeviceConfig, error) {
	buf, err := q.allocShared(PageSize)
	if err != nil {
		return nil, err
	}

	defer q.free(buf)

	err = q.Execute(&Command{Payload: DescribeDevice{
		DescriptorAddr:    buf.Addr(),
		DescriptorVersion: DescriptorVersion,
		AvailableLength:   PageSize,
	}})

	if err != nil {
		return nil, err
	}

	buf.SyncForCPU()
	return Negotiate(buf.Bytes(), q.log)
}

// ConfigureDeviceResources hands the device its event counter array and IRQ doorbells.
func (q *Queue) ConfigureDeviceResources(p ConfigureDeviceResources) error {
	return q.Execute(&Command{Payload: p})
}

func (q *Queue) DeconfigureDeviceResources() error {
	return q.Execute(&Command{Payload: DeconfigureDeviceResources{}})
}

// RegisterPageList registers the pages at the given device addresses as page list id.
func (q *Queue) RegisterPageList(id uint32, pages []uint64, pageSize int) error {
	buf, err := q.allocShared(max(len(pages)*8, 8))
	if err != nil {
		return err
	}

	defer q.free(buf)

	list := buf.Bytes()
	for i, addr := range pages {
		be.PutUint64(list[i*8:], addr)
	}

	buf.SyncForDevice()

	return q.Execute(&Command{Payload: RegisterPageList{
		PageListID:          id,
		NumPages:            uint32(len(pages)),
		PageAddressListAddr: buf.Addr(),
		PageSize:            uint64(pageSize),
	}})
}

func (q *Queue) UnregisterPageList(id uint32) error {
	return q.Execute(&Command{Payload: UnregisterPageList{PageListID: id}})
}

// CreateTxQueues creates the given tx queues in order. It stops at the first failure.
func (q *Queue) CreateTxQueues(qs ...CreateTxQueue) error {
	for i, p := range qs {
		if err := q.Execute(&Command{Payload: p}); err != nil {
			q.log.WithError(err).WithField("queue", i).Error("failed to create tx queue")
			return fmt.Errorf("create tx queue %d: %w", i, err)
		}
	}

	return nil
}

// CreateRxQueues creates the given rx queues in order. It stops at the first failure.
func (q *Queue) CreateRxQueues(qs ...CreateRxQueue) error {
	for i, p := range qs {
		if err := q.Execute(&Command{Payload: p}); err != nil {
			q.log.WithError(err).WithField("queue", i).Error("failed to create rx queue")
			return fmt.Errorf("create rx queue %d: %w", i, err)
		}
	}

	return nil
}

// DestroyTxQueues destroys tx queues 0 through n-1. It stops at the first failure.
func (q *Queue) DestroyTxQueues(n int) error {
	for i := 0; i < n; i++ {
		if err := q.Execute(&Command{Payload: DestroyTxQueue{QueueID: uint32(i)}}); err != nil {
			q.log.WithError(err).WithField("queue", i).Error("failed to destroy tx queue")
			return fmt.Errorf("destroy tx queue %d: %w", i, err)
		}
	}

	return nil
}

// DestroyRxQueues destroys rx queues 0 through n-1. It stops at the first failure.
func (q *Queue) DestroyRxQueues(n int) error {
	for i := 0; i < n; i++ {
		if err := q.Execute(&Command{Payload: DestroyRxQueue{QueueID: uint32(i)}}); err != nil {
			q.log.WithError(err).WithField("queue", i).Error("failed to destroy rx queue")
			return fmt.Errorf("destroy rx queue %d: %w", i, err)
		}
	}

	return nil
}

// SetMTU sets the device MTU. The caller checks it against the negotiated range.
func (q *Queue) SetMTU(mtu uint16) error {
	return q.Execute(&Command{Payload: SetDriverParameter{
		ParameterType:  ParamMTU,
		ParameterValue: uint64(mtu),
	}})
}

// VerifyDriverCompatibility describes the driver to the device. Devices that
// predate the command fail it with ErrUnsupported.
func (q *Queue) VerifyDriverCompatibility(di DriverInfo) error {
	buf, err := q.allocShared(DriverInfoSize)
	if err != nil {
		return err
	}

	defer q.free(buf)

	data, _ := di.MarshalBinary()
	copy(buf.Bytes(), data)
	buf.SyncForDevice()

	return q.Execute(&Command{Payload: VerifyDriverCompatibility{
		DriverInfoLen:  DriverInfoSize,
		DriverInfoAddr: buf.Addr(),
	}})
}

// ReportStats asks the device to write statistics to the report at addr every
// interval milliseconds.
func (q *Queue) ReportStats(addr, length, interval uint64) error {
	return q.Execute(&Command{Payload: ReportStats{
		StatsReportLen:  length,
		StatsReportAddr: addr,
		Interval:        interval,
	}})
}

// ReportLinkSpeed returns the link speed in bits per second.
func (q *Queue) ReportLinkSpeed() (uint64, error) {
	buf, err := q.allocShared(8)
	if err != nil {
		return 0, err
	}

	defer q.free(buf)

	if err := q.Execute(&Command{Payload: ReportLinkSpeed{LinkSpeedAddr: buf.Addr()}}); err != nil {
		return 0, err
	}

	buf.SyncForCPU()
	return be.Uint64(buf.Bytes()), nil
}

// GetPtypeMap returns the device's packet type map.
func (q *Queue) GetPtypeMap() (*PtypeMap, error) {
	buf, err := q.allocShared(PtypeMapSize)
	if err != nil {
		return nil, err
	}

	defer q.free(buf)

	err = q.Execute(&Command{Payload: GetPtypeMap{
		PtypeMapLen:  PtypeMapSize,
		PtypeMapAddr: buf.Addr(),
	}})

	if err != nil {
		return nil, err
	}

	buf.SyncForCPU()

	m := new(PtypeMap)
	if err := binary.Read(bytes.NewReader(buf.Bytes()), be, m); err != nil {
		return nil, fmt.Errorf("%w: ptype map: %w", ErrProtocol, err)
	}

	return m, nil
}

// allocShared allocates a page-aligned buffer for a command's indirect data.
func (q *Queue) allocShared(size int) (*dma.Buf, error) {
	if q.ring == nil {
		return nil, ErrNotReady
	}

	buf, err := q.alloc.AllocCoherent(size, PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	return buf, nil
}

func (q *Queue) free(buf *dma.Buf) {
	if err := q.alloc.FreeCoherent(buf); err != nil {
		q.log.WithError(err).Warn("failed to free command memory")
	}
}
