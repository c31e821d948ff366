package rdma

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/clusterfs/rdmastack/internal/config"
)

// pollTimeoutMS bounds one blocking-wait iteration; it is also the
// cancellation latency of PollBlocking.
const pollTimeoutMS = 1

// DeviceList enumerates every RDMA device on the host once, at
// construction, and multiplexes completion polling across them. The device
// sequence and the poll descriptor table are immutable afterwards, so
// read-only access (lookup, polling) needs no locking.
//
// The descriptor table interleaves two fds per device: device i's send
// completion channel at index 2i, its receive channel at 2i+1.
type DeviceList struct {
	cfg     *config.Config
	devices []*Device
	pollFDs []unix.PollFd

	// lastPollDev is the rotation cursor shared between PollTx and PollRx;
	// repeated calls in either direction sweep the whole device set so no
	// device is starved for more than one full sweep.
	lastPollDev int
}

// NewDeviceList enumerates the host's RDMA devices and constructs one
// Device per entry. A host with no devices cannot run the transport, so an
// empty enumeration is a SetupError.
func NewDeviceList(cfg *config.Config, verbs HostVerbs) (*DeviceList, error) {
	handles, err := verbs.ListDevices()
	if err != nil {
		return nil, setupErr("get rdma device list", err)
	}
	if len(handles) == 0 {
		return nil, setupErrf("no rdma devices found")
	}

	l := &DeviceList{
		cfg:     cfg,
		devices: make([]*Device, 0, len(handles)),
		pollFDs: make([]unix.PollFd, 0, 2*len(handles)),
	}

	for _, h := range handles {
		d, err := NewDevice(cfg, h)
		if err != nil {
			for _, prev := range l.devices {
				prev.Close()
			}
			return nil, err
		}
		l.devices = append(l.devices, d)

		events := int16(unix.POLLIN | unix.POLLERR | unix.POLLHUP | unix.POLLNVAL)
		l.pollFDs = append(l.pollFDs,
			unix.PollFd{Fd: int32(d.txCC.FD()), Events: events},
			unix.PollFd{Fd: int32(d.rxCC.FD()), Events: events},
		)
	}

	log.Info().Int("devices", len(l.devices)).Msg("Enumerated RDMA devices")
	return l, nil
}

// Devices returns the discovery-ordered device sequence.
func (l *DeviceList) Devices() []*Device { return l.devices }

// GetDevice returns the device with the given name, or nil. An empty name
// matches the first device.
func (l *DeviceList) GetDevice(name string) *Device {
	for _, d := range l.devices {
		if name == "" || name == d.name {
			return d
		}
	}
	return nil
}

// PollTx sweeps the device set once, starting past wherever the rotation
// cursor left off, and drains send completions from the first device that
// has any. It returns that device and the entry count, or a zero count
// after a full fruitless sweep.
func (l *DeviceList) PollTx(wc []WorkCompletion) (*Device, int, error) {
	for i := 0; i < len(l.devices); i++ {
		l.lastPollDev++
		d := l.devices[l.lastPollDev%len(l.devices)]

		n, err := d.PollTxCQ(wc)
		if err != nil {
			return d, 0, err
		}
		if n > 0 {
			return d, n, nil
		}
	}
	return nil, 0, nil
}

// PollRx is PollTx for the receive direction; it shares the rotation
// cursor so both directions together sweep the device set fairly.
func (l *DeviceList) PollRx(wc []WorkCompletion) (*Device, int, error) {
	for i := 0; i < len(l.devices); i++ {
		l.lastPollDev++
		d := l.devices[l.lastPollDev%len(l.devices)]

		n, err := d.PollRxCQ(wc)
		if err != nil {
			return d, 0, err
		}
		if n > 0 {
			return d, n, nil
		}
	}
	return nil, 0, nil
}

// PollBlocking waits on every device's notification descriptors until an
// event arrives or ctx is cancelled; cancellation is checked once per wait
// iteration, so its latency is bounded by the wait timeout (~1ms). A
// failed wait means the transport has lost its ability to sleep
// efficiently and is surfaced as a SetupError. On wakeup, each device's
// channels retrieve one pending event apiece, best-effort.
func (l *DeviceList) PollBlocking(ctx context.Context) (int, error) {
	n := 0
	for n == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var err error
		n, err = unix.Poll(l.pollFDs, pollTimeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				n = 0
				continue
			}
			return 0, setupErr("poll completion descriptors", err)
		}
	}

	blockingWakeups.Add(ctx, 1)

	for _, d := range l.devices {
		if d.txCC.GetCQEvent() {
			log.Trace().Str("device", d.name).Msg("Got tx cq event")
		}
		if d.rxCC.GetCQEvent() {
			log.Trace().Str("device", d.name).Msg("Got rx cq event")
		}
	}

	return n, nil
}

// RearmNotify re-enables completion notification on every device,
// typically once per drain cycle before returning to PollBlocking.
func (l *DeviceList) RearmNotify() error {
	for _, d := range l.devices {
		if err := d.RearmCQs(); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down every device.
func (l *DeviceList) Close() {
	for _, d := range l.devices {
		d.Close()
	}
}
