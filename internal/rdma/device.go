package rdma

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/clusterfs/rdmastack/internal/config"
)

const (
	// maxSharedRxSGECount fixes the scatter elements per shared receive
	// work request.
	maxSharedRxSGECount = 1
	// cqDepth is the fixed completion queue depth on both directions.
	cqDepth = 30000
)

// Device owns one RDMA device context and the hardware resources hanging
// off it: protection domain, shared receive queue, send/receive completion
// channels and queues, and the buffer pool seeded into the SRQ.
//
// A Device comes out of NewDevice constructed but not usable: its context
// is open, its capabilities are queried and both completion channels exist
// (the registry's descriptor table needs their fds before Init). BindPort
// then Init bring it to the usable state; Uninit reverses Init and the
// pair may cycle any number of times.
//
// The initialized flag transitions only under mu. The hot polling path
// (PollTxCQ, PollRxCQ, RearmCQs) reads it without the lock: callers must
// not run Uninit concurrently with in-flight polling from another thread.
type Device struct {
	cfg  *config.Config
	name string
	ctxt DeviceContext

	attr DeviceAttr

	txCC CompletionChannel
	rxCC CompletionChannel
	txCQ CompletionQueue
	rxCQ CompletionQueue

	pd   ProtectionDomain
	srq  SharedReceiveQueue
	pool BufferPool

	activePort *Port

	maxSendWR uint32
	maxRecvWR uint32

	newPool PoolFactory

	mu          sync.Mutex
	initialized bool
}

// NewDevice opens the device context, queries its capabilities and creates
// both completion channels. Every failure here is a SetupError: an absent
// device or a failing driver cannot be waited out.
func NewDevice(cfg *config.Config, handle DeviceHandle) (*Device, error) {
	d := &Device{
		cfg:     cfg,
		name:    handle.Name(),
		newPool: newRegisteredPool,
	}

	ctxt, err := handle.Open()
	if err != nil {
		return nil, setupErr("open rdma device "+d.name, err)
	}
	d.ctxt = ctxt

	d.attr, err = ctxt.QueryDevice()
	if err != nil {
		ctxt.Close()
		return nil, setupErr("query rdma device "+d.name, err)
	}

	d.txCC, err = ctxt.CreateCompChannel()
	if err != nil {
		ctxt.Close()
		return nil, setupErr("create tx completion channel for "+d.name, err)
	}
	d.rxCC, err = ctxt.CreateCompChannel()
	if err != nil {
		d.txCC.Close()
		ctxt.Close()
		return nil, setupErr("create rx completion channel for "+d.name, err)
	}

	log.Debug().Str("device", d.name).Uint8("ports", d.attr.PhysPortCnt).Msg("Constructed RDMA device")
	return d, nil
}

// Name returns the device's name as reported by enumeration.
func (d *Device) Name() string { return d.name }

// ActivePort returns the bound port, or nil before BindPort.
func (d *Device) ActivePort() *Port { return d.activePort }

// MaxSendWR and MaxRecvWR return the negotiated queue depths; valid after
// Init.
func (d *Device) MaxSendWR() uint32 { return d.maxSendWR }
func (d *Device) MaxRecvWR() uint32 { return d.maxRecvWR }

// Pool returns the buffer pool wired in during Init, or nil before it.
func (d *Device) Pool() BufferPool { return d.pool }

// BindPort resolves every physical port and selects the requested number,
// which must be in the active link state. Ports resolved along the way but
// not selected are discarded. No usable match is a SetupError.
func (d *Device) BindPort(portNum uint8) error {
	for i := uint8(1); i <= d.attr.PhysPortCnt; i++ {
		port, err := resolvePort(d.cfg, d.ctxt, i)
		if err != nil {
			return err
		}
		if i == portNum && port.State == PortActive {
			d.activePort = port
			log.Info().Str("device", d.name).Uint8("port", i).Int("gid_index", port.GIDIndex).Msg("Found active port")
			break
		}
		log.Debug().Str("device", d.name).Uint8("port", i).Str("state", port.State.String()).Msg("Port is not what we want")
	}
	if d.activePort == nil {
		return setupErrf("no active port %d on device %s", portNum, d.name)
	}
	return nil
}

// Init performs the heavyweight, fallible part of bring-up: protection
// domain, buffer pool registration, shared receive queue sized to the
// negotiated receive depth, initial buffer posting, and both completion
// queues. It is idempotent. Resource acquisition order matters: the PD
// precedes anything that registers memory or creates queues, the SRQ
// precedes the CQs so receive capacity exists before completions can be
// delivered, and buffers are posted before the device reports usable. On
// any failure everything acquired so far is released and a SetupError is
// returned.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	// Device state can change between construction and use.
	attr, err := d.ctxt.QueryDevice()
	if err != nil {
		return setupErr("query rdma device "+d.name, err)
	}
	d.attr = attr

	var undo []func()
	fail := func(err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}

	pd, err := d.ctxt.AllocPD()
	if err != nil {
		return fail(setupErr("allocate protection domain for "+d.name, err))
	}
	undo = append(undo, func() { pd.Close() })

	if err := d.ctxt.SetAsyncNonblock(); err != nil {
		return fail(setupErr("set async fd nonblocking for "+d.name, err))
	}

	d.maxRecvWR = minWR(d.attr.MaxSRQWR, d.cfg.ReceiveBuffers)
	log.Info().Str("device", d.name).Uint32("max_recv_wr", d.maxRecvWR).Msg("Assigning receive buffers")

	d.maxSendWR = minWR(d.attr.MaxQPWR, d.cfg.SendBuffers)
	log.Info().Str("device", d.name).Uint32("max_send_wr", d.maxSendWR).Msg("Assigning send buffers")

	log.Debug().Str("device", d.name).Int("max_cqe", d.attr.MaxCQE).Msg("Device completion entry capacity")

	pool := d.newPool(d.ctxt, pd, d.cfg.EnableHugePages)
	if err := pool.RegisterRegion(d.cfg.BufferSize, d.maxRecvWR, d.maxSendWR); err != nil {
		pool.Close()
		return fail(setupErr("register buffer regions for "+d.name, err))
	}
	undo = append(undo, func() { pool.Close() })

	srq, err := d.ctxt.CreateSRQ(pd, d.maxRecvWR, maxSharedRxSGECount)
	if err != nil {
		return fail(setupErr("create shared receive queue for "+d.name, err))
	}
	undo = append(undo, func() { srq.Close() })

	d.pd = pd
	d.pool = pool
	d.srq = srq

	if err := d.postChannelCluster(); err != nil {
		d.pd, d.pool, d.srq = nil, nil, nil
		return fail(err)
	}

	d.txCQ, err = d.ctxt.CreateCompQueue(cqDepth, d.txCC)
	if err != nil {
		d.pd, d.pool, d.srq = nil, nil, nil
		return fail(setupErr("create tx completion queue for "+d.name, err))
	}
	undo = append(undo, func() { d.txCQ.Close(); d.txCQ = nil })

	d.rxCQ, err = d.ctxt.CreateCompQueue(cqDepth, d.rxCC)
	if err != nil {
		d.pd, d.pool, d.srq = nil, nil, nil
		return fail(setupErr("create rx completion queue for "+d.name, err))
	}

	d.initialized = true
	log.Info().Str("device", d.name).Msg("Device is initialized")
	return nil
}

// Uninit reverses Init: it acknowledges pending completion events on both
// channels (a channel must not be destroyed with unacknowledged events),
// clears the initialized flag and releases the Init-phase resources in
// reverse acquisition order. The completion channels are construction-phase
// resources and survive Uninit so the registry's descriptor table stays
// valid and Init may be called again.
func (d *Device) Uninit() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return
	}

	d.txCC.AckEvents()
	d.rxCC.AckEvents()

	d.initialized = false

	d.rxCQ.Close()
	d.txCQ.Close()
	d.rxCQ, d.txCQ = nil, nil

	d.srq.Close()
	d.srq = nil
	d.pool.Close()
	d.pool = nil
	d.pd.Close()
	d.pd = nil

	log.Info().Str("device", d.name).Msg("Device is uninitialized")
}

// Close tears the device down completely. The context is closed only if a
// port was ever bound.
func (d *Device) Close() {
	d.Uninit()

	d.rxCC.Close()
	d.txCC.Close()

	if d.activePort != nil {
		d.ctxt.Close()
	}
}

// CreateQueuePair allocates a queue pair bound to this device's active
// port, shared receive queue and both completion queues, with the
// negotiated depths. Setup failure is a recoverable, per-connection
// condition: the partial object is discarded and the error returned.
func (d *Device) CreateQueuePair(t QPType) (*QueuePair, error) {
	qp := newQueuePair(d, t, d.activePort.Num, d.srq, d.txCQ, d.rxCQ, d.maxSendWR, d.maxRecvWR)
	if err := qp.Init(); err != nil {
		log.Debug().Err(err).Str("device", d.name).Msg("Queue pair setup failed")
		return nil, err
	}
	return qp, nil
}

// PostChunk posts one buffer as a single-SGE receive work request on the
// shared receive queue, tagged with the chunk's id so the matching
// completion maps back to it. Failure is returned to the caller, not
// treated as fatal.
func (d *Device) PostChunk(c *Chunk) error {
	err := d.srq.PostRecv(c.ID(), c.Addr, c.Bytes, c.LKey)
	if err == nil {
		recvBuffersPosted.Add(context.Background(), 1)
	}
	return err
}

// postChannelCluster seeds the shared receive queue with the pool's entire
// initial receive set. The receive path cannot run under-provisioned, so
// an empty set or any post failure at bring-up is a SetupError.
func (d *Device) postChannelCluster() error {
	chunks := d.pool.GetChannelBuffers(0)
	if len(chunks) == 0 {
		return setupErrf("no initial receive buffers available for %s", d.name)
	}
	for _, c := range chunks {
		if err := d.PostChunk(c); err != nil {
			return setupErr("post initial receive buffer for "+d.name, err)
		}
	}
	log.Debug().Str("device", d.name).Int("count", len(chunks)).Msg("Posted initial receive buffers")
	return nil
}

// GetTxBuffers returns send buffers covering bytes of outbound payload.
func (d *Device) GetTxBuffers(bytes int) []*Chunk {
	return d.pool.GetSendBuffers(bytes)
}

// PollTxCQ drains up to len(wc) send completions. Polling an uninitialized
// device is a benign no-op reported as zero.
func (d *Device) PollTxCQ(wc []WorkCompletion) (int, error) {
	if !d.initialized {
		return 0, nil
	}
	n, err := d.txCQ.PollCQ(wc)
	if n > 0 {
		txCompletions.Add(context.Background(), int64(n))
	}
	return n, err
}

// PollRxCQ drains up to len(wc) receive completions; zero when the device
// is not initialized.
func (d *Device) PollRxCQ(wc []WorkCompletion) (int, error) {
	if !d.initialized {
		return 0, nil
	}
	n, err := d.rxCQ.PollCQ(wc)
	if n > 0 {
		rxCompletions.Add(context.Background(), int64(n))
	}
	return n, err
}

// RearmCQs re-enables edge-triggered notification on both completion
// queues. A silently failed re-arm would lose all future notifications, so
// failure is a SetupError; on an uninitialized device this is a no-op.
func (d *Device) RearmCQs() error {
	if !d.initialized {
		return nil
	}
	if err := d.txCQ.RearmNotify(); err != nil {
		return setupErr("rearm tx completion queue for "+d.name, err)
	}
	if err := d.rxCQ.RearmNotify(); err != nil {
		return setupErr("rearm rx completion queue for "+d.name, err)
	}
	return nil
}

func minWR(capability int, configured uint32) uint32 {
	if capability > 0 && uint32(capability) < configured {
		return uint32(capability)
	}
	return configured
}
