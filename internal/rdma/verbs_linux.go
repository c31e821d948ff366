package rdma

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <infiniband/verbs.h>
//
// // Helper function to access ibv_query_port safely
// static int my_ibv_query_port(struct ibv_context *context, uint8_t port_num, struct ibv_port_attr *port_attr) {
//     return ibv_query_port(context, port_num, port_attr);
// }
//
// // Helper function to post a receive WR to an SRQ without Go pointers
// static int post_srq_recv(struct ibv_srq *srq, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_recv_wr wr;
//     struct ibv_recv_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//
//     return ibv_post_srq_recv(srq, &wr, &bad_wr);
// }
import "C"

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// SystemVerbs returns the libibverbs-backed HostVerbs implementation.
func SystemVerbs() HostVerbs {
	return sysVerbs{}
}

type sysVerbs struct{}

func (sysVerbs) ListDevices() ([]DeviceHandle, error) {
	// Errno is captured through cgo's two-value form throughout this file:
	// a separate errno read could observe another call after a thread
	// migration.
	var numDevices C.int
	deviceList, err := C.ibv_get_device_list(&numDevices)
	if deviceList == nil {
		return nil, fmt.Errorf("ibv_get_device_list failed: %w", err)
	}
	defer C.ibv_free_device_list(deviceList)

	handles := make([]DeviceHandle, 0, int(numDevices))
	for i := 0; i < int(numDevices); i++ {
		device := *(**C.struct_ibv_device)(unsafe.Pointer(uintptr(unsafe.Pointer(deviceList)) + uintptr(i)*unsafe.Sizeof(uintptr(0))))
		if device == nil {
			continue
		}
		name := C.GoString(C.ibv_get_device_name(device))
		log.Debug().Str("device", name).Msg("Found RDMA device")
		handles = append(handles, &sysDevice{device: device, name: name})
	}
	return handles, nil
}

type sysDevice struct {
	device *C.struct_ibv_device
	name   string
}

func (d *sysDevice) Name() string { return d.name }

func (d *sysDevice) Open() (DeviceContext, error) {
	ctxt, err := C.ibv_open_device(d.device)
	if ctxt == nil {
		return nil, fmt.Errorf("ibv_open_device %s failed: %w", d.name, err)
	}
	return &sysContext{ctxt: ctxt, name: d.name}, nil
}

type sysContext struct {
	ctxt *C.struct_ibv_context
	name string
}

func (c *sysContext) QueryDevice() (DeviceAttr, error) {
	var attr C.struct_ibv_device_attr
	if ret, err := C.ibv_query_device(c.ctxt, &attr); ret != 0 {
		return DeviceAttr{}, fmt.Errorf("ibv_query_device failed: %w", err)
	}
	return DeviceAttr{
		MaxQPWR:     int(attr.max_qp_wr),
		MaxSRQWR:    int(attr.max_srq_wr),
		MaxCQE:      int(attr.max_cqe),
		PhysPortCnt: uint8(attr.phys_port_cnt),
	}, nil
}

func (c *sysContext) QueryPort(portNum uint8) (PortAttr, error) {
	var attr C.struct_ibv_port_attr
	if ret, err := C.my_ibv_query_port(c.ctxt, C.uint8_t(portNum), &attr); ret != 0 {
		return PortAttr{}, fmt.Errorf("ibv_query_port %d failed: %w", portNum, err)
	}
	return PortAttr{
		State:     PortState(attr.state),
		LID:       uint16(attr.lid),
		GIDTblLen: int(attr.gid_tbl_len),
	}, nil
}

func (c *sysContext) QueryGID(portNum uint8, index int) (GID, error) {
	var cgid C.union_ibv_gid
	if ret, err := C.ibv_query_gid(c.ctxt, C.uint8_t(portNum), C.int(index), &cgid); ret != 0 {
		return GID{}, fmt.Errorf("ibv_query_gid port %d index %d failed: %w", portNum, index, err)
	}
	var gid GID
	copy(gid[:], unsafe.Slice((*byte)(unsafe.Pointer(&cgid)), 16))
	return gid, nil
}

// QueryGIDType reads the per-entry GID type the kernel exposes under
// /sys/class/infiniband. Hosts whose drivers predate gid_attrs report
// ErrGIDTypeNotSupported and resolution falls back to index 0.
func (c *sysContext) QueryGIDType(portNum uint8, index int) (RoCEVersion, error) {
	dir := fmt.Sprintf("/sys/class/infiniband/%s/ports/%d/gid_attrs/types", c.name, portNum)
	if _, err := os.Stat(dir); err != nil {
		return 0, ErrGIDTypeNotSupported
	}
	raw, err := os.ReadFile(fmt.Sprintf("%s/%d", dir, index))
	if err != nil {
		// Unpopulated table entries read as errors; they match nothing.
		return 0, nil
	}
	switch strings.TrimSpace(string(raw)) {
	case "IB/RoCE v1", "IB/RoCE V1":
		return RoCEv1, nil
	case "RoCE v2", "RoCE V2":
		return RoCEv2, nil
	default:
		return 0, nil
	}
}

func (c *sysContext) AllocPD() (ProtectionDomain, error) {
	pd, err := C.ibv_alloc_pd(c.ctxt)
	if pd == nil {
		return nil, fmt.Errorf("ibv_alloc_pd failed: %w", err)
	}
	return &sysPD{pd: pd}, nil
}

func (c *sysContext) CreateCompChannel() (CompletionChannel, error) {
	ch, err := C.ibv_create_comp_channel(c.ctxt)
	if ch == nil {
		return nil, fmt.Errorf("ibv_create_comp_channel failed: %w", err)
	}
	// The channel fd must not block: GetCQEvent is best-effort and the
	// registry waits on the fd itself.
	if err := unix.SetNonblock(int(ch.fd), true); err != nil {
		C.ibv_destroy_comp_channel(ch)
		return nil, fmt.Errorf("set completion channel fd nonblocking: %w", err)
	}
	return &sysCompChannel{ch: ch}, nil
}

func (c *sysContext) CreateCompQueue(depth int, cc CompletionChannel) (CompletionQueue, error) {
	sysCC, ok := cc.(*sysCompChannel)
	if !ok {
		return nil, fmt.Errorf("completion channel is not a system channel")
	}
	cq, err := C.ibv_create_cq(c.ctxt, C.int(depth), nil, sysCC.ch, 0)
	if cq == nil {
		return nil, fmt.Errorf("ibv_create_cq failed: %w", err)
	}
	scq := &sysCQ{cq: cq}
	if err := scq.RearmNotify(); err != nil {
		C.ibv_destroy_cq(cq)
		return nil, err
	}
	sysCC.bind(scq)
	return scq, nil
}

func (c *sysContext) CreateSRQ(pd ProtectionDomain, maxWR, maxSGE uint32) (SharedReceiveQueue, error) {
	sysPD, ok := pd.(*sysPD)
	if !ok {
		return nil, fmt.Errorf("protection domain is not a system PD")
	}
	var sia C.struct_ibv_srq_init_attr
	sia.attr.max_wr = C.uint32_t(maxWR)
	sia.attr.max_sge = C.uint32_t(maxSGE)
	srq, err := C.ibv_create_srq(sysPD.pd, &sia)
	if srq == nil {
		return nil, fmt.Errorf("ibv_create_srq failed: %w", err)
	}
	return &sysSRQ{srq: srq}, nil
}

func (c *sysContext) CreateQP(attr QPInitAttr) (QueuePairHandle, error) {
	pd, ok := attr.PD.(*sysPD)
	if !ok {
		return nil, fmt.Errorf("protection domain is not a system PD")
	}
	srq, ok := attr.SRQ.(*sysSRQ)
	if !ok {
		return nil, fmt.Errorf("shared receive queue is not a system SRQ")
	}
	sendCQ, ok := attr.SendCQ.(*sysCQ)
	if !ok {
		return nil, fmt.Errorf("send completion queue is not a system CQ")
	}
	recvCQ, ok := attr.RecvCQ.(*sysCQ)
	if !ok {
		return nil, fmt.Errorf("receive completion queue is not a system CQ")
	}

	var ia C.struct_ibv_qp_init_attr
	switch attr.Type {
	case QPTypeUD:
		ia.qp_type = C.IBV_QPT_UD
	default:
		ia.qp_type = C.IBV_QPT_RC
	}
	ia.sq_sig_all = 0
	ia.srq = srq.srq
	ia.send_cq = sendCQ.cq
	ia.recv_cq = recvCQ.cq
	ia.cap.max_send_wr = C.uint32_t(attr.MaxSendWR)
	ia.cap.max_recv_wr = C.uint32_t(attr.MaxRecvWR)
	ia.cap.max_send_sge = 1
	ia.cap.max_recv_sge = 1

	qp, err := C.ibv_create_qp(pd.pd, &ia)
	if qp == nil {
		return nil, fmt.Errorf("ibv_create_qp failed: %w", err)
	}
	return &sysQP{qp: qp}, nil
}

func (c *sysContext) RegMR(pd ProtectionDomain, buf []byte) (MemoryRegion, error) {
	sysPD, ok := pd.(*sysPD)
	if !ok {
		return nil, fmt.Errorf("protection domain is not a system PD")
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty buffer region")
	}
	mr, err := C.ibv_reg_mr(sysPD.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.IBV_ACCESS_LOCAL_WRITE)
	if mr == nil {
		return nil, fmt.Errorf("ibv_reg_mr failed: %w", err)
	}
	return &sysMR{mr: mr}, nil
}

func (c *sysContext) SetAsyncNonblock() error {
	return unix.SetNonblock(int(c.ctxt.async_fd), true)
}

func (c *sysContext) Close() error {
	if ret, err := C.ibv_close_device(c.ctxt); ret != 0 {
		return fmt.Errorf("ibv_close_device failed: %w", err)
	}
	return nil
}

type sysPD struct {
	pd *C.struct_ibv_pd
}

func (p *sysPD) Close() error {
	if ret := C.ibv_dealloc_pd(p.pd); ret != 0 {
		return fmt.Errorf("ibv_dealloc_pd failed: %d", int(ret))
	}
	return nil
}

type sysCompChannel struct {
	ch      *C.struct_ibv_comp_channel
	cq      *sysCQ // the single CQ bound to this channel
	pending uint
}

func (c *sysCompChannel) FD() int { return int(c.ch.fd) }

func (c *sysCompChannel) bind(cq *sysCQ) { c.cq = cq }

// GetCQEvent retrieves one pending notification, if any. The fd is
// non-blocking so an empty channel reports false rather than stalling.
func (c *sysCompChannel) GetCQEvent() bool {
	var cq *C.struct_ibv_cq
	var cqCtx unsafe.Pointer
	if ret := C.ibv_get_cq_event(c.ch, &cq, &cqCtx); ret != 0 {
		return false
	}
	c.pending++
	return true
}

// AckEvents acknowledges the batch of events retrieved since the last ack.
// A channel must be fully acked before its CQ is destroyed.
func (c *sysCompChannel) AckEvents() {
	if c.pending == 0 || c.cq == nil {
		return
	}
	C.ibv_ack_cq_events(c.cq.cq, C.uint(c.pending))
	c.pending = 0
}

func (c *sysCompChannel) Close() error {
	if ret := C.ibv_destroy_comp_channel(c.ch); ret != 0 {
		return fmt.Errorf("ibv_destroy_comp_channel failed: %d", int(ret))
	}
	return nil
}

type sysCQ struct {
	cq *C.struct_ibv_cq
}

func (q *sysCQ) PollCQ(wc []WorkCompletion) (int, error) {
	if len(wc) == 0 {
		return 0, nil
	}
	cwc := make([]C.struct_ibv_wc, len(wc))
	ne := C.ibv_poll_cq(q.cq, C.int(len(wc)), &cwc[0])
	if ne < 0 {
		return 0, fmt.Errorf("ibv_poll_cq failed: %d", int(ne))
	}
	for i := 0; i < int(ne); i++ {
		wc[i] = WorkCompletion{
			WRID:      uint64(cwc[i].wr_id),
			Status:    uint32(cwc[i].status),
			Opcode:    uint32(cwc[i].opcode),
			VendorErr: uint32(cwc[i].vendor_err),
			ByteLen:   uint32(cwc[i].byte_len),
			QPNum:     uint32(cwc[i].qp_num),
			SrcQP:     uint32(cwc[i].src_qp),
			Flags:     uint32(cwc[i].wc_flags),
		}
	}
	return int(ne), nil
}

func (q *sysCQ) RearmNotify() error {
	if ret := C.ibv_req_notify_cq(q.cq, 0); ret != 0 {
		return fmt.Errorf("ibv_req_notify_cq failed: %d", int(ret))
	}
	return nil
}

func (q *sysCQ) Close() error {
	if ret := C.ibv_destroy_cq(q.cq); ret != 0 {
		return fmt.Errorf("ibv_destroy_cq failed: %d", int(ret))
	}
	return nil
}

type sysSRQ struct {
	srq *C.struct_ibv_srq
}

// PostRecv reports the error code ibv_post_srq_recv itself returns, not
// errno, so the value cannot be clobbered by a thread migration.
func (s *sysSRQ) PostRecv(wrID uint64, addr uintptr, length, lkey uint32) error {
	if ret := C.post_srq_recv(s.srq, C.uint64_t(wrID), C.uint64_t(addr), C.uint32_t(length), C.uint32_t(lkey)); ret != 0 {
		return syscall.Errno(ret)
	}
	return nil
}

func (s *sysSRQ) Close() error {
	if ret := C.ibv_destroy_srq(s.srq); ret != 0 {
		return fmt.Errorf("ibv_destroy_srq failed: %d", int(ret))
	}
	return nil
}

type sysMR struct {
	mr *C.struct_ibv_mr
}

func (m *sysMR) LKey() uint32 { return uint32(m.mr.lkey) }

func (m *sysMR) Close() error {
	if ret := C.ibv_dereg_mr(m.mr); ret != 0 {
		return fmt.Errorf("ibv_dereg_mr failed: %d", int(ret))
	}
	return nil
}

type sysQP struct {
	qp *C.struct_ibv_qp
}

func (q *sysQP) QPNum() uint32 { return uint32(q.qp.qp_num) }

func (q *sysQP) Close() error {
	if ret := C.ibv_destroy_qp(q.qp); ret != 0 {
		return fmt.Errorf("ibv_destroy_qp failed: %d", int(ret))
	}
	return nil
}
