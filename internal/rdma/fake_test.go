package rdma

import (
	"errors"
	"os"
)

// Fake verbs implementation so lifecycle and polling properties run
// without RDMA hardware.

type fakeVerbs struct {
	handles []DeviceHandle
	listErr error
}

func (f *fakeVerbs) ListDevices() ([]DeviceHandle, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.handles, nil
}

type fakeHandle struct {
	name    string
	ctxt    *fakeContext
	openErr error
}

func (h *fakeHandle) Name() string { return h.name }

func (h *fakeHandle) Open() (DeviceContext, error) {
	if h.openErr != nil {
		return nil, h.openErr
	}
	return h.ctxt, nil
}

type fakeContext struct {
	attr     DeviceAttr
	ports    map[uint8]PortAttr
	gids     map[uint8][]GID
	gidTypes map[uint8][]RoCEVersion // nil map means types unsupported

	queryDeviceErr error
	allocPDErr     error
	createSRQErr   error
	createCQErr    error
	createQPErr    error

	// Copied onto every SRQ this context creates.
	srqPostErr       error
	srqPostFailAfter int

	// regMRErr fails RegMR once regMRFailAfter registrations exist.
	regMRErr       error
	regMRFailAfter int

	asyncNonblock bool
	closed        bool

	pds  []*fakePD
	srqs []*fakeSRQ
	cqs  []*fakeCQ
	mrs  []*fakeMR
}

func (c *fakeContext) QueryDevice() (DeviceAttr, error) {
	if c.queryDeviceErr != nil {
		return DeviceAttr{}, c.queryDeviceErr
	}
	return c.attr, nil
}

func (c *fakeContext) QueryPort(portNum uint8) (PortAttr, error) {
	attr, ok := c.ports[portNum]
	if !ok {
		return PortAttr{}, errors.New("no such port")
	}
	return attr, nil
}

func (c *fakeContext) QueryGID(portNum uint8, index int) (GID, error) {
	table := c.gids[portNum]
	if index >= len(table) {
		return GID{}, errors.New("gid index out of range")
	}
	return table[index], nil
}

func (c *fakeContext) QueryGIDType(portNum uint8, index int) (RoCEVersion, error) {
	if c.gidTypes == nil {
		return 0, ErrGIDTypeNotSupported
	}
	types := c.gidTypes[portNum]
	if index >= len(types) {
		return 0, nil
	}
	return types[index], nil
}

func (c *fakeContext) AllocPD() (ProtectionDomain, error) {
	if c.allocPDErr != nil {
		return nil, c.allocPDErr
	}
	pd := &fakePD{}
	c.pds = append(c.pds, pd)
	return pd, nil
}

func (c *fakeContext) CreateCompChannel() (CompletionChannel, error) {
	return newFakeCompChannel()
}

func (c *fakeContext) CreateCompQueue(depth int, cc CompletionChannel) (CompletionQueue, error) {
	if c.createCQErr != nil {
		return nil, c.createCQErr
	}
	cq := &fakeCQ{depth: depth}
	c.cqs = append(c.cqs, cq)
	return cq, nil
}

func (c *fakeContext) CreateSRQ(pd ProtectionDomain, maxWR, maxSGE uint32) (SharedReceiveQueue, error) {
	if c.createSRQErr != nil {
		return nil, c.createSRQErr
	}
	srq := &fakeSRQ{maxWR: maxWR, maxSGE: maxSGE, postErr: c.srqPostErr, failAfter: c.srqPostFailAfter}
	c.srqs = append(c.srqs, srq)
	return srq, nil
}

func (c *fakeContext) CreateQP(attr QPInitAttr) (QueuePairHandle, error) {
	if c.createQPErr != nil {
		return nil, c.createQPErr
	}
	return &fakeQP{qpn: 42, attr: attr}, nil
}

func (c *fakeContext) RegMR(pd ProtectionDomain, buf []byte) (MemoryRegion, error) {
	if c.regMRErr != nil && len(c.mrs) >= c.regMRFailAfter {
		return nil, c.regMRErr
	}
	mr := &fakeMR{lkey: uint32(len(buf))}
	c.mrs = append(c.mrs, mr)
	return mr, nil
}

func (c *fakeContext) SetAsyncNonblock() error {
	c.asyncNonblock = true
	return nil
}

func (c *fakeContext) Close() error {
	c.closed = true
	return nil
}

type fakePD struct {
	closed bool
}

func (p *fakePD) Close() error {
	p.closed = true
	return nil
}

// fakeCompChannel is backed by a pipe so DeviceList.PollBlocking exercises
// the real poll(2) path.
type fakeCompChannel struct {
	r, w    *os.File
	pending int
	acked   int
	closed  bool
}

func newFakeCompChannel() (*fakeCompChannel, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &fakeCompChannel{r: r, w: w}, nil
}

// signal makes the channel's descriptor readable and queues one event.
func (c *fakeCompChannel) signal() {
	c.w.Write([]byte{1})
	c.pending++
}

func (c *fakeCompChannel) FD() int { return int(c.r.Fd()) }

func (c *fakeCompChannel) GetCQEvent() bool {
	if c.pending == 0 {
		return false
	}
	buf := make([]byte, 1)
	c.r.Read(buf)
	c.pending--
	c.acked++ // retrieved but unacknowledged until AckEvents
	return true
}

func (c *fakeCompChannel) AckEvents() {
	c.acked = 0
}

func (c *fakeCompChannel) Close() error {
	c.closed = true
	c.r.Close()
	c.w.Close()
	return nil
}

type fakeCQ struct {
	depth   int
	queue   []WorkCompletion
	rearmed int

	pollErr  error
	rearmErr error
	closed   bool
}

func (q *fakeCQ) PollCQ(wc []WorkCompletion) (int, error) {
	if q.pollErr != nil {
		return 0, q.pollErr
	}
	n := copy(wc, q.queue)
	q.queue = q.queue[n:]
	return n, nil
}

func (q *fakeCQ) RearmNotify() error {
	if q.rearmErr != nil {
		return q.rearmErr
	}
	q.rearmed++
	return nil
}

func (q *fakeCQ) Close() error {
	q.closed = true
	return nil
}

type postedWR struct {
	wrID   uint64
	addr   uintptr
	length uint32
	lkey   uint32
}

type fakeSRQ struct {
	maxWR  uint32
	maxSGE uint32
	posted []postedWR

	// failAfter fails every post once len(posted) reaches it, when postErr
	// is set.
	failAfter int
	postErr   error
	closed    bool
}

func (s *fakeSRQ) PostRecv(wrID uint64, addr uintptr, length, lkey uint32) error {
	if s.postErr != nil && len(s.posted) >= s.failAfter {
		return s.postErr
	}
	s.posted = append(s.posted, postedWR{wrID, addr, length, lkey})
	return nil
}

func (s *fakeSRQ) Close() error {
	s.closed = true
	return nil
}

type fakeMR struct {
	lkey   uint32
	closed bool
}

func (m *fakeMR) LKey() uint32 { return m.lkey }

func (m *fakeMR) Close() error {
	m.closed = true
	return nil
}

type fakeQP struct {
	qpn    uint32
	attr   QPInitAttr
	closed bool
}

func (q *fakeQP) QPNum() uint32 { return q.qpn }

func (q *fakeQP) Close() error {
	q.closed = true
	return nil
}

// fakePool satisfies BufferPool with caller-supplied chunks.
type fakePool struct {
	bufferSize uint32
	recvCount  uint32
	sendCount  uint32

	chunks   []*Chunk
	recvSet  []*Chunk
	sendFree []*Chunk

	regErr     error
	registered bool
	closed     bool
}

func (p *fakePool) RegisterRegion(bufferSize, recvCount, sendCount uint32) error {
	if p.regErr != nil {
		return p.regErr
	}
	p.bufferSize = bufferSize
	p.recvCount = recvCount
	p.sendCount = sendCount
	p.registered = true

	for i := uint32(0); i < recvCount; i++ {
		c := &Chunk{Addr: uintptr(0x1000 + i*bufferSize), Bytes: bufferSize, LKey: 7, id: uint64(len(p.chunks))}
		p.chunks = append(p.chunks, c)
		p.recvSet = append(p.recvSet, c)
	}
	for i := uint32(0); i < sendCount; i++ {
		c := &Chunk{Addr: uintptr(0x100000 + i*bufferSize), Bytes: bufferSize, LKey: 9, id: uint64(len(p.chunks))}
		p.chunks = append(p.chunks, c)
		p.sendFree = append(p.sendFree, c)
	}
	return nil
}

func (p *fakePool) GetChannelBuffers(min int) []*Chunk {
	if len(p.recvSet) < min {
		return nil
	}
	out := p.recvSet
	p.recvSet = nil
	return out
}

func (p *fakePool) GetSendBuffers(bytes int) []*Chunk {
	need := (bytes + int(p.bufferSize) - 1) / int(p.bufferSize)
	if need > len(p.sendFree) {
		need = len(p.sendFree)
	}
	out := p.sendFree[:need]
	p.sendFree = p.sendFree[need:]
	return out
}

func (p *fakePool) Lookup(id uint64) *Chunk {
	if id >= uint64(len(p.chunks)) {
		return nil
	}
	return p.chunks[id]
}

func (p *fakePool) Close() error {
	p.closed = true
	return nil
}

// newFakeDeviceContext builds a context with one active port and a small
// GID table, enough for most lifecycle tests.
func newFakeDeviceContext() *fakeContext {
	return &fakeContext{
		attr: DeviceAttr{
			MaxQPWR:     4096,
			MaxSRQWR:    4096,
			MaxCQE:      65536,
			PhysPortCnt: 1,
		},
		ports: map[uint8]PortAttr{
			1: {State: PortActive, LID: 11, GIDTblLen: 1},
		},
		gids: map[uint8][]GID{
			1: {{0xfe, 0x80}},
		},
		// nil gidTypes: default-mode resolution (index 0)
	}
}
