package client

import (
	"bytes"
	"io"
	"sync"
)

// progressReader reports how much of the body the transport has consumed.
// Callbacks only fire when the percentage grows and never exceed 99: the
// caller reports 100 once the server has answered.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	last       int
	onProgress func(pct int)
	mu         sync.Mutex
}

func newProgressReader(body []byte, onProgress func(pct int)) io.Reader {
	return &progressReader{
		r:          bytes.NewReader(body),
		total:      int64(len(body)),
		last:       -1,
		onProgress: onProgress,
	}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.onProgress != nil && p.total > 0 {
		p.mu.Lock()
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 99 {
			pct = 99
		}
		report := pct > p.last
		if report {
			p.last = pct
		}
		p.mu.Unlock()
		if report {
			p.onProgress(pct)
		}
	}
	return n, err
}
