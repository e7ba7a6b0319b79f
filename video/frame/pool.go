package frame

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"vrcap/metrics"
)

var ErrInvalidSize = errors.New("frame pool buffer size must be positive")

// Pool is a cache of equally sized BGRA buffers shared by every stage of the
// pipeline. When it runs dry it allocates instead of blocking, so an empty
// pool is a backpressure signal rather than a failure.
//
// A buffer that is already pooled is refused on release, which keeps two
// acquirers from ever receiving the same memory.
type Pool struct {
	mu sync.Mutex

	initialized bool
	poolSize    int
	width       int
	height      int
	bufSize     int

	available [][]byte
	pooled    map[*byte]struct{}
	overflow  int
}

func NewPool() *Pool {
	return &Pool{}
}

// Initialize preallocates poolSize buffers of width*height*4 bytes. Calling it
// again with the same geometry is a no-op unless forceReinit is set, and a
// different geometry is refused unless forceReinit is set.
func (p *Pool) Initialize(poolSize, width, height int, forceReinit bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized && !forceReinit {
		if p.poolSize == poolSize && p.width == width && p.height == height {
			return nil
		}
		log.Errorf("Frame pool already initialized at %dx%d (%d buffers), refusing %dx%d (%d buffers) without reinit",
			p.width, p.height, p.poolSize, width, height, poolSize)
		return fmt.Errorf("frame pool already initialized at %dx%d", p.width, p.height)
	}

	size := BufferSize(width, height)
	if size <= 0 {
		p.reset()
		log.Errorf("Invalid frame pool geometry %dx%d", width, height)
		return ErrInvalidSize
	}
	if poolSize < 0 {
		poolSize = 0
	}

	p.reset()
	p.poolSize = poolSize
	p.width = width
	p.height = height
	p.bufSize = size
	for i := 0; i < poolSize; i++ {
		b := make([]byte, size)
		p.available = append(p.available, b)
		p.pooled[&b[0]] = struct{}{}
	}
	p.initialized = true

	log.Infof("Frame pool initialized with %d buffers of %dx%d (%s each)",
		poolSize, width, height, humanize.Bytes(uint64(size)))
	return nil
}

func (p *Pool) reset() {
	p.initialized = false
	p.poolSize, p.width, p.height, p.bufSize = 0, 0, 0, 0
	p.available = nil
	p.pooled = make(map[*byte]struct{})
	p.overflow = 0
}

// Acquire hands out a buffer, allocating a new one if none are pooled.
// Returns nil if the pool has not been initialized.
func (p *Pool) Acquire() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		log.Error("Acquire called on an uninitialized frame pool")
		return nil
	}

	if n := len(p.available); n > 0 {
		b := p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		delete(p.pooled, &b[0])
		return b
	}

	p.overflow++
	metrics.PoolOverflow.Inc()
	log.WithField("overflow", p.overflow).Warnf("Frame pool empty, allocating %s; consumers are falling behind",
		humanize.Bytes(uint64(p.bufSize)))
	return make([]byte, p.bufSize)
}

// Release returns b to the pool. Buffers of the wrong size and buffers that
// are already pooled are dropped.
func (p *Pool) Release(b []byte) {
	if b == nil {
		log.Debug("Ignoring release of nil frame buffer")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized || len(b) != p.bufSize || len(b) == 0 {
		metrics.PoolRejected.WithLabelValues("size").Inc()
		log.Debugf("Discarding frame buffer of %d bytes (pool holds %d)", len(b), p.bufSize)
		return
	}
	key := &b[0]
	if _, ok := p.pooled[key]; ok {
		metrics.PoolRejected.WithLabelValues("double_release").Inc()
		log.Warn("Frame buffer released twice, ignoring second release")
		return
	}
	p.pooled[key] = struct{}{}
	p.available = append(p.available, b[:p.bufSize:p.bufSize])
}

// Available returns the number of buffers currently pooled.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Size returns the configured frame geometry.
func (p *Pool) Size() (width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

func (p *Pool) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Close drops every pooled buffer. Buffers still held elsewhere stay valid
// and are discarded when released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}
