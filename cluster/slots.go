// Package cluster keeps the slot→node ownership table the migration core
// flips at cutover, and builds the -MOVED redirects the command layer
// returns for keys this node no longer owns.
package cluster

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/supriza/kvrocks/pkg/hashkit"
)

// errors
var (
	ErrSlotOutOfRange = errors.New("slot is out of range")
	ErrNoNode         = errors.New("node not exists in cluster")
)

// Topology is the slot ownership table. Node addresses are "ip:port"
// strings; an empty string means the owner is unknown.
type Topology struct {
	lock  sync.Mutex
	self  string
	slots [hashkit.HashSlots]string
	epoch int64
}

// NewTopology creates a table that assigns every slot to self.
func NewTopology(self string) *Topology {
	t := &Topology{self: self}
	for i := range t.slots {
		t.slots[i] = self
	}
	return t
}

// GetNodeBySlot returns the owner address of the slot.
func (t *Topology) GetNodeBySlot(slot int) (string, error) {
	if slot < 0 || slot >= hashkit.HashSlots {
		return "", errors.WithStack(ErrSlotOutOfRange)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.slots[slot], nil
}

// IsOwned reports whether this node owns the slot.
func (t *Topology) IsOwned(slot int) bool {
	addr, err := t.GetNodeBySlot(slot)
	return err == nil && addr == t.self
}

// SetSlotMigrated atomically flips ownership of the slot to the given
// destination address. Called by the migration core after the destination
// acknowledged CLUSTER IMPORT SUCCESS.
func (t *Topology) SetSlotMigrated(slot int, dstAddr string) error {
	if slot < 0 || slot >= hashkit.HashSlots {
		return errors.WithStack(ErrSlotOutOfRange)
	}
	if dstAddr == "" {
		return errors.WithStack(ErrNoNode)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.slots[slot] = dstAddr
	t.epoch++
	return nil
}

// SetSlotImported marks the slot as owned by this node. Called on the
// destination after a successful import.
func (t *Topology) SetSlotImported(slot int) error {
	if slot < 0 || slot >= hashkit.HashSlots {
		return errors.WithStack(ErrSlotOutOfRange)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.slots[slot] = t.self
	t.epoch++
	return nil
}

// Epoch returns the ownership change counter.
func (t *Topology) Epoch() int64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.epoch
}

// MovedError renders the redirect the command layer replies for a slot
// this node does not serve.
func MovedError(slot int, addr string) string {
	return fmt.Sprintf("MOVED %d %s", slot, addr)
}
