package handlers

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// PutWriters tracks the open file handle for each in-progress put
// request, keyed by the resolved destination path (opened fresh on
// seq==0, appended to on later chunks), since a Handler is stateless
// between dispatcher calls but a multi-chunk put needs to keep a
// descriptor open across them.
type PutWriters struct {
	root FileRoot

	mu    sync.Mutex
	files map[string]*os.File
}

// NewPutWriters creates a Put handler rooted at root.
func NewPutWriters(root FileRoot) *PutWriters {
	return &PutWriters{root: root, files: make(map[string]*os.File)}
}

// Put implements the mqrepl.Handler contract for "put": on seq==0 it
// (re)opens tail for writing, intermediate chunks append payload, and
// on last==true it closes the file and replies "OK".
//
// The dispatcher already enforces strict seq ordering per request id
// via its chunk.Reassembler, so Put only needs to key its open file
// by the concrete path (equivalent to request id for this handler,
// since mqrepl never interleaves one id's chunks with another's).
func (p *PutWriters) Put(tail string, payload []byte, seq int, last bool) ([]byte, io.Reader, error) {
	path, err := p.root.resolve(tail)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	f, open := p.files[path]
	p.mu.Unlock()

	if seq == 0 {
		if open {
			f.Close()
		}
		f, err = os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("put %s: %w", tail, err)
		}
		p.mu.Lock()
		p.files[path] = f
		p.mu.Unlock()
	} else if !open {
		return nil, nil, fmt.Errorf("put %s: chunk seq=%d with no open file (want seq=0 first)", tail, seq)
	}

	if len(payload) > 0 {
		if _, err := f.Write(payload); err != nil {
			return nil, nil, fmt.Errorf("put %s: write: %w", tail, err)
		}
	}

	if !last {
		return nil, nil, nil
	}

	p.mu.Lock()
	delete(p.files, path)
	p.mu.Unlock()
	if err := f.Close(); err != nil {
		return nil, nil, fmt.Errorf("put %s: close: %w", tail, err)
	}
	return []byte("OK"), nil, nil
}
