package rdma

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Chunk is one registered receive or send buffer. Its id tags the receive
// work request so a completion's wr_id maps back to the posted buffer.
type Chunk struct {
	Addr  uintptr
	Bytes uint32
	LKey  uint32

	id uint64
}

// ID returns the wr_id tag for this chunk.
func (c *Chunk) ID() uint64 { return c.id }

// BufferPool supplies registered data buffers to a single Device. The
// device does not own registration policy; it only seeds the shared
// receive queue from GetChannelBuffers at bring-up and hands out send
// capacity through GetSendBuffers.
type BufferPool interface {
	// RegisterRegion prepares backing memory for recvCount receive buffers
	// and sendCount send buffers of bufferSize bytes each and registers it
	// for hardware access.
	RegisterRegion(bufferSize uint32, recvCount, sendCount uint32) error
	// GetChannelBuffers returns the freshly registered receive buffers,
	// at least min of them. Used once at bring-up; subsequent calls return
	// nothing.
	GetChannelBuffers(min int) []*Chunk
	// GetSendBuffers returns free send buffers covering at least bytes of
	// outbound payload, fewer if the pool is short.
	GetSendBuffers(bytes int) []*Chunk
	// Lookup maps a completion wr_id back to its chunk.
	Lookup(id uint64) *Chunk
	Close() error
}

// PoolFactory builds the buffer pool a Device wires in during Init.
type PoolFactory func(ctxt DeviceContext, pd ProtectionDomain, hugePages bool) BufferPool

// registeredPool is the default BufferPool: two anonymous mmap regions
// (receive and send), each registered as a single memory region, carved
// into fixed-size chunks.
type registeredPool struct {
	ctxt      DeviceContext
	pd        ProtectionDomain
	hugePages bool

	recvBuf []byte
	sendBuf []byte
	recvMR  MemoryRegion
	sendMR  MemoryRegion

	chunks    []*Chunk // all chunks, indexed by id
	recvSet   []*Chunk // handed out once via GetChannelBuffers
	sendFree  []*Chunk
	chunkSize uint32
}

func newRegisteredPool(ctxt DeviceContext, pd ProtectionDomain, hugePages bool) BufferPool {
	return &registeredPool{ctxt: ctxt, pd: pd, hugePages: hugePages}
}

// mapRegion allocates an anonymous region, trying huge pages first when
// enabled and falling back to normal pages.
func (p *registeredPool) mapRegion(length int) ([]byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if p.hugePages {
		buf, err := unix.Mmap(-1, 0, length, prot, flags|unix.MAP_HUGETLB)
		if err == nil {
			return buf, nil
		}
		log.Warn().Err(err).Int("length", length).Msg("Huge page mapping failed, falling back to normal pages")
	}
	return unix.Mmap(-1, 0, length, prot, flags)
}

func (p *registeredPool) RegisterRegion(bufferSize, recvCount, sendCount uint32) error {
	if p.recvMR != nil {
		return fmt.Errorf("buffer region already registered")
	}
	p.chunkSize = bufferSize

	// Close releases whatever subset of the mappings and registrations
	// exists, so a failed step unwinds through it and a later retry starts
	// clean.
	var err error
	p.recvBuf, err = p.mapRegion(int(bufferSize) * int(recvCount))
	if err != nil {
		return fmt.Errorf("map receive region: %w", err)
	}
	p.sendBuf, err = p.mapRegion(int(bufferSize) * int(sendCount))
	if err != nil {
		p.Close()
		return fmt.Errorf("map send region: %w", err)
	}

	p.recvMR, err = p.ctxt.RegMR(p.pd, p.recvBuf)
	if err != nil {
		p.Close()
		return fmt.Errorf("register receive region: %w", err)
	}
	p.sendMR, err = p.ctxt.RegMR(p.pd, p.sendBuf)
	if err != nil {
		p.Close()
		return fmt.Errorf("register send region: %w", err)
	}

	p.recvSet = p.carve(p.recvBuf, recvCount, p.recvMR.LKey())
	p.sendFree = p.carve(p.sendBuf, sendCount, p.sendMR.LKey())

	log.Debug().
		Uint32("buffer_size", bufferSize).
		Uint32("recv_count", recvCount).
		Uint32("send_count", sendCount).
		Msg("Registered buffer regions")
	return nil
}

func (p *registeredPool) carve(buf []byte, count uint32, lkey uint32) []*Chunk {
	out := make([]*Chunk, 0, count)
	for i := uint32(0); i < count; i++ {
		c := &Chunk{
			Addr:  uintptr(unsafe.Pointer(&buf[int(i)*int(p.chunkSize)])),
			Bytes: p.chunkSize,
			LKey:  lkey,
			id:    uint64(len(p.chunks)),
		}
		p.chunks = append(p.chunks, c)
		out = append(out, c)
	}
	return out
}

func (p *registeredPool) GetChannelBuffers(min int) []*Chunk {
	if len(p.recvSet) < min {
		return nil
	}
	out := p.recvSet
	p.recvSet = nil
	return out
}

func (p *registeredPool) GetSendBuffers(bytes int) []*Chunk {
	if p.chunkSize == 0 {
		return nil
	}
	need := (bytes + int(p.chunkSize) - 1) / int(p.chunkSize)
	if need > len(p.sendFree) {
		need = len(p.sendFree)
	}
	out := p.sendFree[:need]
	p.sendFree = p.sendFree[need:]
	return out
}

func (p *registeredPool) Lookup(id uint64) *Chunk {
	if id >= uint64(len(p.chunks)) {
		return nil
	}
	return p.chunks[id]
}

func (p *registeredPool) Close() error {
	if p.recvMR != nil {
		p.recvMR.Close()
		p.recvMR = nil
	}
	if p.sendMR != nil {
		p.sendMR.Close()
		p.sendMR = nil
	}
	if p.recvBuf != nil {
		unix.Munmap(p.recvBuf)
		p.recvBuf = nil
	}
	if p.sendBuf != nil {
		unix.Munmap(p.sendBuf)
		p.sendBuf = nil
	}
	p.chunks = nil
	p.recvSet = nil
	p.sendFree = nil
	return nil
}
