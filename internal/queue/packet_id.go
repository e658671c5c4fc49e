package queue

import "sync"

// PacketIDs allocates packet identifiers for one session. Released ids are
// reused first; ids still in flight are never handed out twice.
type PacketIDs struct {
	mu        sync.Mutex
	currentID uint16
	released  map[uint16]struct{}
	inUse     map[uint16]struct{}
}

func NewPacketIDs() *PacketIDs {
	return &PacketIDs{
		currentID: 1,
		released:  make(map[uint16]struct{}),
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID returns 0 only when all 65535 ids are in flight.
func (m *PacketIDs) NextID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.released {
		delete(m.released, id)
		m.inUse[id] = struct{}{}
		return id
	}

	for i := 0; i < 65535; i++ {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 {
			m.currentID = 1
		}
		if _, busy := m.inUse[id]; !busy {
			m.inUse[id] = struct{}{}
			return id
		}
	}
	return 0
}

// Reserve marks id as in flight, used when a queue is restored.
func (m *PacketIDs) Reserve(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.released, id)
	m.inUse[id] = struct{}{}
}

// ReleaseID returns id to the pool once its handshake completed.
func (m *PacketIDs) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inUse[id]; !ok {
		return
	}
	delete(m.inUse, id)
	m.released[id] = struct{}{}
}

func (m *PacketIDs) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inUse)
}
