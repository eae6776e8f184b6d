package ports

import (
	"net"
	"sync/atomic"

	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/mixers"
)

const (
	maxPort     = 65535
	maxAttempts = 10
)

// allocatorImpl hands out RTP/RTCP pairs from a counter that wraps back to
// base at the top of the port range. Before the first wrap the counter is
// authoritative; after it, pairs are always probed since long-lived streams
// may still hold them.
type allocatorImpl struct {
	base    int
	next    atomic.Int64
	wrapped atomic.Bool
	probe   bool
	logger  *log.Logger
}

// NewAllocator returns an allocator starting at base, rounded up to even.
func NewAllocator(base int, probe bool, logger *log.Logger) mixers.PortAllocator {
	if base%2 != 0 {
		base++
	}
	return &allocatorImpl{
		base:   base,
		probe:  probe,
		logger: logger,
	}
}

func (a *allocatorImpl) Next() (int, int, error) {
	if a.base+1 > maxPort {
		return 0, 0, errors.Newf(errors.ErrInvalidState, "port base %d outside the port range", a.base)
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rtp := a.take()
		if !(a.probe || a.wrapped.Load()) || pairFree(rtp) {
			return rtp, rtp + 1, nil
		}
		a.logger.Debug("port pair in use, skipping", log.Int("rtpPort", rtp))
	}
	return 0, 0, errors.New(errors.ErrInvalidState, "could not find available RTP/RTCP port pair")
}

// take claims the next rtp port, wrapping to base past the top of the range.
func (a *allocatorImpl) take() int {
	for {
		cur := a.next.Load()
		rtp := a.base + int(cur)
		next := cur + 2
		if rtp+1 > maxPort {
			rtp, next = a.base, 2
		}
		if a.next.CompareAndSwap(cur, next) {
			if next == 2 && cur != 0 {
				a.wrapped.Store(true)
				a.logger.Info("port range wrapped", log.Int("base", a.base))
			}
			return rtp
		}
	}
}

func udpFree(port int) bool {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func pairFree(rtp int) bool {
	return udpFree(rtp) && udpFree(rtp+1)
}
