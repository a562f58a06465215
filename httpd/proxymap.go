package httpd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// ProxyMap maintains the proxy-mapping file consumed by a front-end
// reverse proxy: one "sessionID host:port" line per ready session. The
// file is rewritten atomically on every change so the proxy never reads a
// half-written mapping.
type ProxyMap struct {
	mu      sync.Mutex
	path    string
	entries map[string]string
}

// NewProxyMap creates the mapping file (truncating any stale content from
// a previous run) and returns the writer.
func NewProxyMap(path string) (*ProxyMap, error) {
	p := &ProxyMap{
		path:    path,
		entries: make(map[string]string),
	}
	if err := p.flushLocked(); err != nil {
		return nil, fmt.Errorf("initializing proxy mapping file: %w", err)
	}
	return p, nil
}

// Map registers a session endpoint.
func (p *ProxyMap) Map(sessionID, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[sessionID] = target
	return p.flushLocked()
}

// Unmap removes a session endpoint. Removing an unknown session is a
// no-op that still rewrites the file.
func (p *ProxyMap) Unmap(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, sessionID)
	return p.flushLocked()
}

func (p *ProxyMap) flushLocked() error {
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%s %s\n", id, p.entries[id])
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}
