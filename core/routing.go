package core

import (
	"context"
	"sync"

	"pkt.systems/cellstate/schema"
)

// kernelRoutes remembers which session dispatched each cell to a shared
// kernel. Owners of one cell id queue in dispatch order since the kernel
// runs requests one at a time.
type kernelRoutes struct {
	mu     sync.Mutex
	owners map[schema.CellID][]*Session
}

func newKernelRoutes() *kernelRoutes {
	return &kernelRoutes{owners: make(map[schema.CellID][]*Session)}
}

func (r *kernelRoutes) add(id schema.CellID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[id] = append(r.owners[id], s)
}

// remove drops the most recent route of s for id.
func (r *kernelRoutes) remove(id schema.CellID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owners := r.owners[id]
	for i := len(owners) - 1; i >= 0; i-- {
		if owners[i] == s {
			owners = append(owners[:i:i], owners[i+1:]...)
			break
		}
	}
	r.setLocked(id, owners)
}

// owner returns the session a message for id belongs to. A terminal
// message consumes the route.
func (r *kernelRoutes) owner(id schema.CellID, terminal bool) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owners := r.owners[id]
	if len(owners) == 0 {
		return nil, false
	}
	head := owners[0]
	if terminal {
		r.setLocked(id, owners[1:])
	}
	return head, true
}

// forget drops every route of a closing session.
func (r *kernelRoutes) forget(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, owners := range r.owners {
		kept := owners[:0:0]
		for _, owner := range owners {
			if owner != s {
				kept = append(kept, owner)
			}
		}
		r.setLocked(id, kept)
	}
}

func (r *kernelRoutes) setLocked(id schema.CellID, owners []*Session) {
	if len(owners) == 0 {
		delete(r.owners, id)
		return
	}
	r.owners[id] = owners
}

// routedKernel is the kernel as one session's controller sees it. Execute
// records the session as the owner of the cell before dispatching.
type routedKernel struct {
	Kernel
	registry *Registry
	session  *Session
}

func (k routedKernel) Execute(ctx context.Context, req ExecuteRequest) error {
	routes := k.registry.routesFor(k.Kernel)
	if routes != nil {
		routes.add(req.CellID, k.session)
	}
	if err := k.Kernel.Execute(ctx, req); err != nil {
		if routes != nil {
			routes.remove(req.CellID, k.session)
		}
		return err
	}
	return nil
}

// kernelRouter delivers kernel messages to the session that dispatched the
// cell. Messages without a known owner go to every session sharing the
// kernel; controllers drop those for cells they are not running.
type kernelRouter struct {
	registry *Registry
	kernel   Kernel
	routes   *kernelRoutes
}

func (k kernelRouter) HandleMessage(ctx context.Context, msg schema.Message) bool {
	if id, terminal, ok := kernelMessageCell(msg); ok {
		if owner, found := k.routes.owner(id, terminal); found {
			return owner.HandleMessage(ctx, msg)
		}
	}
	handled := false
	for _, session := range k.registry.Sessions() {
		if session.kernel != k.kernel {
			continue
		}
		if session.HandleMessage(ctx, msg) {
			handled = true
		}
	}
	return handled
}

// kernelMessageCell returns the cell a kernel message reports on and
// whether the message ends the execution.
func kernelMessageCell(msg schema.Message) (schema.CellID, bool, bool) {
	switch m := msg.(type) {
	case schema.ExecutionStarted:
		return m.ID, false, true
	case schema.OutputAppended:
		return m.ID, false, true
	case schema.ExecutionFinished:
		return m.ID, true, true
	case schema.ExecutionErrored:
		return m.ID, true, true
	}
	return "", false, false
}
