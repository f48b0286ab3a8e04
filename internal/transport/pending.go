package transport

import "sync"

// pendingCalls tracks in-flight Call command ids awaiting a response.
type pendingCalls struct {
	mu sync.Mutex
	m  map[string]chan Response
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{m: make(map[string]chan Response)}
}

func (p *pendingCalls) register(commandID string) chan Response {
	ch := make(chan Response, 1)
	p.mu.Lock()
	p.m[commandID] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingCalls) drop(commandID string) {
	p.mu.Lock()
	delete(p.m, commandID)
	p.mu.Unlock()
}

// resolve delivers resp to the waiting caller. Returns false when no call is
// waiting, which means the response is unsolicited.
func (p *pendingCalls) resolve(resp Response) bool {
	p.mu.Lock()
	ch, ok := p.m[resp.CommandID]
	if ok {
		delete(p.m, resp.CommandID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// failAll resolves every pending call with the given error, used on
// connection teardown.
func (p *pendingCalls) failAll(errMsg string) {
	p.mu.Lock()
	for id, ch := range p.m {
		ch <- Response{CommandID: id, Success: false, Error: errMsg}
		delete(p.m, id)
	}
	p.mu.Unlock()
}
