package pool

// Pool is a bump allocator for short-lived media buffers. Raw frame staging
// in the push path asks for the same size every tick, so slices are carved
// out of one large backing array and the array is replaced once the write
// position runs out of room.
type Pool struct {
	pos int
	buf []byte
}

const maxpoolsize = 16 * 1024 * 1024

func (pool *Pool) Get(size int) []byte {
	if size > maxpoolsize {
		return make([]byte, size)
	}
	if maxpoolsize-pool.pos < size {
		pool.pos = 0
		pool.buf = make([]byte, maxpoolsize)
	}
	b := pool.buf[pool.pos : pool.pos+size]
	pool.pos += size
	return b
}

func NewPool() *Pool {
	return &Pool{
		buf: make([]byte, maxpoolsize),
	}
}
