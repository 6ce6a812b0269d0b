package forwarder

import (
	"bytes"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/key"
	"github.com/edup2p/natlayer/types/mux"
)

// Registration is a server that can be reached through the forwarder, over its leg.
type Registration struct {
	Key key.ServerKey

	leg     *mux.Multiplexer
	since   time.Time
	ports   map[uint16]struct{}
	clients int
	relays  map[*relay]struct{}
	removed bool
}

// Info is a snapshot of a Registration.
type Info struct {
	Key     key.ServerKey
	Leg     types.Addr
	Ports   []uint16
	Clients int
	Since   time.Time
}

// Table holds the registrations of a forwarder, and enforces its limits.
type Table struct {
	maxServers int
	maxClients int

	mu   sync.Mutex
	regs map[key.ServerKey]*Registration
}

func NewTable(maxServers, maxClientsPerServer int) *Table {
	return &Table{
		maxServers: maxServers,
		maxClients: maxClientsPerServer,
		regs:       make(map[key.ServerKey]*Registration),
	}
}

// Register registers k on leg.
//
// Registering a key again from the same leg is a no-op, a key held by a dead leg is taken over.
func (t *Table) Register(k key.ServerKey, leg *mux.Multiplexer) error {
	t.mu.Lock()

	var dropped []*relay

	if r := t.regs[k]; r != nil {
		if r.leg == leg {
			t.mu.Unlock()
			return nil
		}
		if r.leg.Alive() {
			t.mu.Unlock()
			return admission(ErrKeyInUse, k, 0)
		}
		dropped = append(dropped, t.removeLocked(r)...)
	}

	if len(t.regs) >= t.maxServers {
		_, pruned := t.pruneLocked()
		dropped = append(dropped, pruned...)
	}

	if len(t.regs) >= t.maxServers {
		t.mu.Unlock()
		failRelays(dropped)
		return admission(ErrRegistryFull, k, 0)
	}

	t.regs[k] = &Registration{
		Key:    k,
		leg:    leg,
		since:  time.Now(),
		ports:  make(map[uint16]struct{}),
		relays: make(map[*relay]struct{}),
	}

	t.mu.Unlock()

	failRelays(dropped)

	return nil
}

// Deregister removes the registration of k, if leg owns it.
func (t *Table) Deregister(k key.ServerKey, leg *mux.Multiplexer) error {
	t.mu.Lock()

	r, err := t.ownedLocked(k, leg)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	dropped := t.removeLocked(r)

	t.mu.Unlock()

	failRelays(dropped)

	return nil
}

// DropLeg removes every registration of leg, and returns their keys.
func (t *Table) DropLeg(leg *mux.Multiplexer) []key.ServerKey {
	t.mu.Lock()

	var (
		keys    []key.ServerKey
		dropped []*relay
	)
	for k, r := range t.regs {
		if r.leg == leg {
			keys = append(keys, k)
			dropped = append(dropped, t.removeLocked(r)...)
		}
	}

	t.mu.Unlock()

	failRelays(dropped)

	return keys
}

// Sweep removes the registrations whose leg died, and returns their amount.
func (t *Table) Sweep() int {
	t.mu.Lock()
	n, dropped := t.pruneLocked()
	t.mu.Unlock()

	failRelays(dropped)

	return n
}

func (t *Table) AddPort(k key.ServerKey, leg *mux.Multiplexer, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, err := t.ownedLocked(k, leg)
	if err != nil {
		return err
	}
	r.ports[port] = struct{}{}
	return nil
}

// RemovePort stops admitting clients to port, clients that are already relayed stay.
func (t *Table) RemovePort(k key.ServerKey, leg *mux.Multiplexer, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, err := t.ownedLocked(k, leg)
	if err != nil {
		return err
	}
	if _, ok := r.ports[port]; !ok {
		return admission(ErrPortNotRegistered, k, port)
	}
	delete(r.ports, port)
	return nil
}

// Reserve takes a client slot on the registration of k, to connect to port.
//
// release gives the slot back, only its first call counts.
func (t *Table) Reserve(k key.ServerKey, port uint16) (r *Registration, release func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r = t.regs[k]
	if r == nil {
		return nil, nil, admission(ErrNoServer, k, port)
	}
	if r.clients >= t.maxClients {
		return nil, nil, admission(ErrServerBusy, k, port)
	}
	if _, ok := r.ports[port]; !ok {
		return nil, nil, admission(ErrPortNotRegistered, k, port)
	}

	r.clients++

	var once sync.Once
	release = func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()

			r.clients--
		})
	}

	return r, release, nil
}

// bind makes rl fail when r is removed, it returns false if r is already gone.
func (t *Table) bind(r *Registration, rl *relay) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.removed {
		return false
	}
	r.relays[rl] = struct{}{}
	return true
}

func (t *Table) unbind(r *Registration, rl *relay) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(r.relays, rl)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.regs)
}

func (t *Table) Get(k key.ServerKey) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.regs[k]
	if !ok {
		return Info{}, false
	}
	return r.infoLocked(), true
}

// Registrations returns a snapshot of every registration, ordered by key.
func (t *Table) Registrations() []Info {
	t.mu.Lock()
	infos := make([]Info, 0, len(t.regs))
	for _, r := range t.regs {
		infos = append(infos, r.infoLocked())
	}
	t.mu.Unlock()

	slices.SortFunc(infos, func(a, b Info) int {
		return bytes.Compare(a.Key[:], b.Key[:])
	})

	return infos
}

func (r *Registration) infoLocked() Info {
	ports := maps.Keys(r.ports)
	slices.Sort(ports)

	return Info{
		Key:     r.Key,
		Leg:     r.leg.Remote(),
		Ports:   ports,
		Clients: r.clients,
		Since:   r.since,
	}
}

func (t *Table) ownedLocked(k key.ServerKey, leg *mux.Multiplexer) (*Registration, error) {
	r := t.regs[k]
	if r == nil {
		return nil, admission(ErrNoServer, k, 0)
	}
	if r.leg != leg {
		return nil, admission(ErrNotOwner, k, 0)
	}
	return r, nil
}

// removeLocked removes r, and returns the relays that have to be failed along with it.
func (t *Table) removeLocked(r *Registration) []*relay {
	delete(t.regs, r.Key)
	r.removed = true

	rls := maps.Keys(r.relays)
	clear(r.relays)
	return rls
}

func (t *Table) pruneLocked() (n int, dropped []*relay) {
	for _, r := range t.regs {
		if !r.leg.Alive() {
			n++
			dropped = append(dropped, t.removeLocked(r)...)
		}
	}
	return
}

// failRelays closes relayed connections of removed registrations, so that no client is left orphaned.
func failRelays(rls []*relay) {
	for _, rl := range rls {
		rl.close()
	}
}
