package rdma

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// QueuePair is one RDMA connection endpoint, created through the Device
// factory so it inherits the device's bound port, shared receive queue,
// completion queues and negotiated depths. Its connection state machine
// lives above this core; here it is only allocated and torn down.
type QueuePair struct {
	device  *Device
	qpType  QPType
	portNum uint8

	srq  SharedReceiveQueue
	txCQ CompletionQueue
	rxCQ CompletionQueue

	maxSendWR uint32
	maxRecvWR uint32

	handle QueuePairHandle
}

func newQueuePair(d *Device, t QPType, portNum uint8, srq SharedReceiveQueue, txCQ, rxCQ CompletionQueue, maxSendWR, maxRecvWR uint32) *QueuePair {
	return &QueuePair{
		device:    d,
		qpType:    t,
		portNum:   portNum,
		srq:       srq,
		txCQ:      txCQ,
		rxCQ:      rxCQ,
		maxSendWR: maxSendWR,
		maxRecvWR: maxRecvWR,
	}
}

// Init allocates the underlying verbs queue pair. Failure here is a
// per-connection condition, not a device fault.
func (q *QueuePair) Init() error {
	handle, err := q.device.ctxt.CreateQP(QPInitAttr{
		Type:      q.qpType,
		PD:        q.device.pd,
		SRQ:       q.srq,
		SendCQ:    q.txCQ,
		RecvCQ:    q.rxCQ,
		MaxSendWR: q.maxSendWR,
		MaxRecvWR: q.maxRecvWR,
	})
	if err != nil {
		return fmt.Errorf("create queue pair on %s: %w", q.device.name, err)
	}
	q.handle = handle
	log.Debug().Str("device", q.device.name).Uint32("qpn", handle.QPNum()).Uint8("port", q.portNum).Msg("Created queue pair")
	return nil
}

// QPNum returns the queue pair number; valid after Init.
func (q *QueuePair) QPNum() uint32 {
	if q.handle == nil {
		return 0
	}
	return q.handle.QPNum()
}

// PortNum returns the physical port this queue pair is bound to.
func (q *QueuePair) PortNum() uint8 { return q.portNum }

// Close destroys the underlying queue pair.
func (q *QueuePair) Close() error {
	if q.handle == nil {
		return nil
	}
	err := q.handle.Close()
	q.handle = nil
	return err
}
