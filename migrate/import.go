package migrate

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/supriza/kvrocks/pkg/log"
	"github.com/supriza/kvrocks/storage"
)

// CLUSTER IMPORT wire status codes.
const (
	ImportStatusStart = iota
	ImportStatusSuccess
	ImportStatusFailed
	ImportStatusError // reserved
)

const importSlotNone = -1

// import tracker states
const (
	importNone = iota
	importStart
	importSuccess
	importFailed
)

var importStateNames = [...]string{"none", "start", "success", "failed"}

// SlotImport is the destination-side import tracker. One slot may be
// importing at a time; the slot's keys are cleared on start (stale copies
// of an earlier attempt) and again on failure (partial copy).
type SlotImport struct {
	mu    sync.Mutex
	db    *storage.DB
	slot  int
	state int
}

// NewSlotImport creates an idle tracker over the engine.
func NewSlotImport(db *storage.DB) *SlotImport {
	return &SlotImport{db: db, slot: importSlotNone, state: importNone}
}

// Start begins importing the slot, clearing any keys it already holds.
func (si *SlotImport) Start(slot int) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.state == importStart {
		return errors.Errorf("only one importing slot is allowed, slot %d is in progress", si.slot)
	}
	if err := si.db.ClearKeysOfSlot(slot); err != nil {
		return errors.Wrapf(err, "clear keys of slot %d", slot)
	}
	si.slot, si.state = slot, importStart
	log.Infof("[import] start importing slot %d", slot)
	return nil
}

// Success commits the import of the slot.
func (si *SlotImport) Success(slot int) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.state != importStart || si.slot != slot {
		return errors.Errorf("slot %d is not importing", slot)
	}
	si.state = importSuccess
	log.Infof("[import] succeeded to import slot %d", slot)
	return nil
}

// Fail rolls the import back, dropping the partial copy.
func (si *SlotImport) Fail(slot int) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.state != importStart || si.slot != slot {
		return errors.Errorf("slot %d is not importing", slot)
	}
	if err := si.db.ClearKeysOfSlot(slot); err != nil {
		return errors.Wrapf(err, "clear keys of slot %d", slot)
	}
	si.state = importFailed
	log.Warnf("[import] failed to import slot %d", slot)
	return nil
}

// StopForLinkError aborts a running import after the link to the source
// died. The partial copy is dropped unless the node was demoted to a
// replica in the meantime; replication will overwrite the slot anyway.
func (si *SlotImport) StopForLinkError(replica bool) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.state != importStart {
		return nil
	}
	if !replica {
		if err := si.db.ClearKeysOfSlot(si.slot); err != nil {
			return errors.Wrapf(err, "clear keys of slot %d", si.slot)
		}
	}
	si.state = importFailed
	log.Warnf("[import] stop importing slot %d for link error", si.slot)
	return nil
}

// GetImportInfo renders the tracker state for the status command.
func (si *SlotImport) GetImportInfo() string {
	si.mu.Lock()
	defer si.mu.Unlock()
	return fmt.Sprintf("importing_slot: %d\r\nimport_state: %s\r\n", si.slot, importStateNames[si.state])
}
