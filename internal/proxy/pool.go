package proxy

import (
	"net/http/httputil"
	"sync"
)

// bufferPool recycles copy buffers for the reverse-proxy body relay.
type bufferPool struct {
	pool sync.Pool
}

func NewBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	p.pool.Put(&b)
}
