package supervisor

import (
	"fmt"
	"net"
	"sync"

	"github.com/shizukutanaka/kasegi/internal/common"
)

// portAllocator hands out control ports. Each device prefers the port at
// base + device index so restarts land on a stable port; when that port
// is taken the allocator scans forward within the span.
type portAllocator struct {
	base int
	span int

	mu    sync.Mutex
	inUse map[int]bool
	// free reports whether the host will let us bind the port
	free func(port int) bool
}

func newPortAllocator(base, span int) *portAllocator {
	return &portAllocator{
		base:  base,
		span:  span,
		inUse: make(map[int]bool),
		free:  portBindable,
	}
}

// acquire reserves a control port for the device, preferring
// base + deviceIndex.
func (p *portAllocator) acquire(deviceIndex int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.base + deviceIndex
	for port := start; port < p.base+p.span; port++ {
		if p.inUse[port] {
			continue
		}
		if !p.free(port) {
			continue
		}
		p.inUse[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free port in [%d, %d)", common.ErrPortConflict, start, p.base+p.span)
}

func (p *portAllocator) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

func portBindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
