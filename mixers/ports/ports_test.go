package ports

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imtaco/conf-sfu/internal/log"
)

func TestNextIsMonotonicByTwo(t *testing.T) {
	a := NewAllocator(20000, false, log.NewNop())

	rtp, rtcp, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, 20000, rtp)
	assert.Equal(t, 20001, rtcp)

	rtp, rtcp, err = a.Next()
	require.NoError(t, err)
	assert.Equal(t, 20002, rtp)
	assert.Equal(t, 20003, rtcp)
}

func TestOddBaseRoundedUp(t *testing.T) {
	a := NewAllocator(30001, false, log.NewNop())
	rtp, _, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, 30002, rtp)
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	a := NewAllocator(40000, false, log.NewNop())

	var (
		mu   sync.Mutex
		seen = map[int]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rtp, _, err := a.Next()
			assert.NoError(t, err)
			mu.Lock()
			seen[rtp] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for p := range seen {
		assert.Equal(t, 0, p%2)
	}
}

func TestBaseOutsideRange(t *testing.T) {
	a := NewAllocator(65536, false, log.NewNop())
	_, _, err := a.Next()
	assert.Error(t, err)
}

func TestWrapsToBase(t *testing.T) {
	a := NewAllocator(65530, false, log.NewNop())

	for _, want := range []int{65530, 65532} {
		rtp, rtcp, err := a.Next()
		require.NoError(t, err)
		assert.Equal(t, want, rtp)
		assert.Equal(t, want+1, rtcp)
	}

	// 65534/65535 is still a valid pair, 65536 is not
	rtp, _, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, 65534, rtp)

	rtp, _, err = a.Next()
	require.NoError(t, err)
	assert.Contains(t, []int{65530, 65532, 65534}, rtp)
	assert.True(t, a.(*allocatorImpl).wrapped.Load())

	// the allocator keeps serving well past one lap of the range
	for range 20 {
		_, _, err := a.Next()
		require.NoError(t, err)
	}
}

func TestProbeSkipsBoundPair(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	bound := conn.LocalAddr().(*net.UDPAddr).Port
	base := bound &^ 1

	a := NewAllocator(base, true, log.NewNop())
	rtp, _, err := a.Next()
	require.NoError(t, err)
	assert.NotEqual(t, base, rtp)
	assert.Greater(t, rtp, base)
}
