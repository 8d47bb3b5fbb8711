package migrate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/supriza/kvrocks/cluster"
	"github.com/supriza/kvrocks/config"
	"github.com/supriza/kvrocks/pkg/hashkit"
	"github.com/supriza/kvrocks/pkg/log"
	"github.com/supriza/kvrocks/pkg/prom"
	"github.com/supriza/kvrocks/storage"
)

// maxLoopTimes bounds the WAL catch-up loop; the cutover drains whatever
// gap remains.
const maxLoopTimes = 10

// errors
var (
	ErrBusy            = errors.New("there is already a migrating slot")
	ErrSlotMigrated    = errors.New("the slot has already been migrated")
	ErrCanceled        = errors.New("slot migration is canceled")
	ErrUnsupportedType = errors.New("unsupported migration type")
	ErrSeqGap          = errors.New("wal sequence number is discontinuous")
	ErrClosed          = errors.New("the migrator is closed")
)

// internal stages
type stage int

const (
	stageNone stage = iota
	stageStart
	stageSnapshot
	stageWAL
	stageSuccess
	stageFailed
	stageClean
)

// State is the observable migration state.
type State int32

// observable states
const (
	StateNone State = iota
	StateStarted
	StateSuccess
	StateFailed
)

var stateNames = [...]string{"none", "start", "success", "fail"}

// String implementation.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Job is one accepted migration request. Immutable once published.
type Job struct {
	Slot            int
	DstNode         string
	DstHost         string
	DstPort         int
	MaxSpeed        int
	MaxPipelineSize int
	SeqGapLimit     int
}

// Addr returns the destination "host:port".
func (j *Job) Addr() string {
	return fmt.Sprintf("%s:%d", j.DstHost, j.DstPort)
}

// SlotMigrator owns the migration lifecycle: a single background worker
// runs the state machine, one job at a time. The three slot-id atomics plus
// the stop flag are the process-wide telemetry surface consumed by the
// command layer.
type SlotMigrator struct {
	db   *storage.DB
	topo *cluster.Topology
	cfg  *config.MigrateConfig

	migratingSlot     atomic.Int32
	forbiddenSlot     atomic.Int32
	migrateFailedSlot atomic.Int32
	stopMigration     atomic.Bool
	state             atomic.Int32

	jobMu   sync.Mutex
	jobCond *sync.Cond
	pending *Job
	quit    bool

	syncMu  sync.Mutex
	syncCtx *SyncMigrateContext

	infoMu   sync.Mutex
	lastSlot int
	dstNode  string
	dstAddr  string

	// session state, owned by the worker goroutine
	cli         *dstClient
	snap        *storage.Snapshot
	walBeginSeq uint64

	senderMu sync.Mutex
	sender   *BatchSender

	wg sync.WaitGroup
}

// NewSlotMigrator creates the migrator and starts its background worker.
func NewSlotMigrator(db *storage.DB, topo *cluster.Topology, cfg *config.MigrateConfig) *SlotMigrator {
	m := &SlotMigrator{db: db, topo: topo, cfg: cfg, lastSlot: -1}
	m.migratingSlot.Store(-1)
	m.forbiddenSlot.Store(-1)
	m.migrateFailedSlot.Store(-1)
	m.jobCond = sync.NewCond(&m.jobMu)
	m.wg.Add(1)
	go m.loop()
	return m
}

// PerformSlotMigration accepts a migration of the slot to the destination.
// Exactly one job may be active; a second request fails with ErrBusy. A
// slot already migrated away fails with ErrSlotMigrated. When syncCtx is
// non-nil the caller may Suspend on it until the job terminates.
func (m *SlotMigrator) PerformSlotMigration(dstNode, dstHost string, dstPort, slot int, syncCtx *SyncMigrateContext) error {
	if slot < 0 || slot >= hashkit.HashSlots {
		return errors.Errorf("slot %d is out of range", slot)
	}
	if !m.migratingSlot.CompareAndSwap(-1, int32(slot)) {
		return errors.Wrapf(ErrBusy, "slot %d", m.migratingSlot.Load())
	}
	if int(m.forbiddenSlot.Load()) == slot {
		m.migratingSlot.Store(-1)
		return errors.WithStack(ErrSlotMigrated)
	}

	job := &Job{
		Slot:            slot,
		DstNode:         dstNode,
		DstHost:         dstHost,
		DstPort:         dstPort,
		MaxSpeed:        m.cfg.Speed,
		MaxPipelineSize: m.cfg.PipelineSize,
		SeqGapLimit:     m.cfg.SequenceGap,
	}

	m.jobMu.Lock()
	if m.quit {
		m.jobMu.Unlock()
		m.migratingSlot.Store(-1)
		return errors.WithStack(ErrClosed)
	}
	m.stopMigration.Store(false)
	m.state.Store(int32(StateStarted))
	m.infoMu.Lock()
	m.lastSlot, m.dstNode, m.dstAddr = slot, dstNode, job.Addr()
	m.infoMu.Unlock()
	m.syncMu.Lock()
	m.syncCtx = syncCtx
	m.syncMu.Unlock()
	m.pending = job
	m.jobCond.Signal()
	m.jobMu.Unlock()

	log.Infof("[migrate] accepted migration of slot %d to %s(%s)", slot, dstNode, job.Addr())
	return nil
}

func (m *SlotMigrator) loop() {
	defer m.wg.Done()
	for {
		m.jobMu.Lock()
		for m.pending == nil && !m.quit {
			m.jobCond.Wait()
		}
		if m.pending == nil && m.quit {
			m.jobMu.Unlock()
			return
		}
		job := m.pending
		m.pending = nil
		m.jobMu.Unlock()
		m.runMigrationProcess(job)
	}
}

func (m *SlotMigrator) runMigrationProcess(job *Job) {
	var jobErr error
	st := stageStart
	for st != stageNone {
		switch st {
		case stageStart:
			if jobErr = m.startMigration(job); jobErr != nil {
				log.Errorf("[migrate] failed to start migrating slot %d: %v", job.Slot, jobErr)
				st = stageFailed
				break
			}
			log.Infof("[migrate] started migrating slot %d to %s", job.Slot, job.Addr())
			st = stageSnapshot
		case stageSnapshot:
			if jobErr = m.sendSnapshot(job); jobErr != nil {
				log.Errorf("[migrate] failed to send snapshot of slot %d: %v", job.Slot, jobErr)
				st = stageFailed
				break
			}
			st = stageWAL
		case stageWAL:
			if jobErr = m.syncWAL(job); jobErr != nil {
				log.Errorf("[migrate] failed to sync wal of slot %d: %v", job.Slot, jobErr)
				st = stageFailed
				break
			}
			st = stageSuccess
		case stageSuccess:
			if jobErr = m.finishSuccessfulMigration(job); jobErr != nil {
				log.Errorf("[migrate] failed to finish migration of slot %d: %v", job.Slot, jobErr)
				st = stageFailed
				break
			}
			st = stageClean
		case stageFailed:
			m.finishFailedMigration(job)
			if jobErr == nil {
				jobErr = errors.New("slot migration failed")
			}
			st = stageClean
		case stageClean:
			m.clean(job, jobErr)
			st = stageNone
		}
	}
}

func (m *SlotMigrator) startMigration(job *Job) error {
	switch m.cfg.Type {
	case config.MigrateTypeRedisCommand, config.MigrateTypeRawKeyValue:
	default:
		return errors.Wrapf(ErrUnsupportedType, "%q", m.cfg.Type)
	}
	cli, err := dialDst(job.Addr(), m.cfg.DstPassword, job.MaxPipelineSize, job.MaxSpeed, m.stopMigration.Load)
	if err != nil {
		return err
	}
	if err = cli.setImportStatus(job.Slot, ImportStatusStart); err != nil {
		_ = cli.close()
		return errors.Wrap(err, "set import status")
	}
	m.cli = cli
	if m.cfg.Type == config.MigrateTypeRawKeyValue {
		m.setSender(NewBatchSender(cli, m.cfg.BatchSizeKB*1024, m.cfg.BatchRateLimitMB*1024*1024))
	}
	m.snap = m.db.GetSnapshot()
	m.walBeginSeq = m.snap.SequenceNumber()
	prom.MigrateStateSet(int(StateStarted))
	return nil
}

func (m *SlotMigrator) sendSnapshot(job *Job) error {
	if m.cfg.Type == config.MigrateTypeRawKeyValue {
		return m.sendSnapshotByRawKV(job)
	}
	return m.sendSnapshotByCmd(job)
}

func (m *SlotMigrator) sendSnapshotByCmd(job *Job) error {
	log.Infof("[migrate] start sending snapshot of slot %d", job.Slot)
	enc := newCmdEncoder(m.snap, m.cli)
	var migrated, expired, empty int
	prefix := storage.SlotKeyPrefix(job.Slot)
	it := m.snap.NewIterator(storage.CFMetadata)
	for it.Seek(prefix); it.Valid(); it.Next() {
		if m.stopMigration.Load() {
			return errors.WithStack(ErrCanceled)
		}
		if s, err := storage.KeySlot(it.Key()); err != nil || s != job.Slot {
			break
		}
		_, userKey, err := storage.DecodeMetadataKey(it.Key())
		if err != nil {
			return err
		}
		res, err := enc.migrateOneKey(job.Slot, userKey, it.Value())
		if err != nil {
			return errors.Wrapf(err, "migrate key %q", userKey)
		}
		prom.MigrateKeyIncr(res)
		switch res {
		case resultMigrated:
			migrated++
		case resultExpired:
			expired++
		case resultEmpty:
			empty++
		}
	}
	if err := m.cli.sendCmdsPipelineIfNeed(true); err != nil {
		return err
	}
	log.Infof("[migrate] succeeded to send snapshot of slot %d, migrated: %d, expired: %d, empty: %d",
		job.Slot, migrated, expired, empty)
	return nil
}

var rawSnapshotCFs = [...]storage.ColumnFamilyID{
	storage.CFMetadata, storage.CFDefault, storage.CFZSetScore, storage.CFStream,
}

func (m *SlotMigrator) sendSnapshotByRawKV(job *Job) error {
	log.Infof("[migrate] start sending raw snapshot of slot %d", job.Slot)
	bs := m.getSender()
	prefix := storage.SlotKeyPrefix(job.Slot)
	for _, cf := range rawSnapshotCFs {
		it := m.snap.NewIterator(cf)
		for it.Seek(prefix); it.Valid(); it.Next() {
			if m.stopMigration.Load() {
				return errors.WithStack(ErrCanceled)
			}
			if s, err := storage.KeySlot(it.Key()); err != nil || s != job.Slot {
				break
			}
			if err := bs.PutRaw(cf, it.Key(), it.Value()); err != nil {
				return err
			}
		}
	}
	if err := bs.Flush(); err != nil {
		return err
	}
	st := bs.Stats()
	log.Infof("[migrate] succeeded to send raw snapshot of slot %d, batches: %d, bytes: %d",
		job.Slot, st.Batches, st.Bytes)
	return nil
}

func (m *SlotMigrator) syncWAL(job *Job) error {
	if err := m.catchUpIncrementalWAL(job); err != nil {
		return err
	}
	m.setForbiddenSlot(job.Slot)
	// the slot is forbidden now, no new entries for it can appear
	return m.migrateIncrementalData(job, m.db.LatestSequenceNumber())
}

func (m *SlotMigrator) catchUpIncrementalWAL(job *Job) error {
	for i := 0; i < maxLoopTimes; i++ {
		latest := m.db.LatestSequenceNumber()
		gap := latest - m.walBeginSeq
		if gap <= uint64(job.SeqGapLimit) {
			return nil
		}
		log.Infof("[migrate] wal gap of slot %d is %d, syncing to sequence %d, epoch %d",
			job.Slot, gap, latest, i+1)
		if err := m.migrateIncrementalData(job, latest); err != nil {
			return err
		}
	}
	return nil
}

// setForbiddenSlot rejects further local writes to the slot. The write
// exclusivity guard pauses all client writes just long enough to flip the
// flag; the window duration is observable.
func (m *SlotMigrator) setForbiddenSlot(slot int) {
	start := time.Now()
	m.db.WithWriteExclusivity(func() {
		m.forbiddenSlot.Store(int32(slot))
	})
	us := time.Since(start).Microseconds()
	log.Infof("[migrate] set forbidden slot %d in %d us", slot, us)
	prom.ForbiddenWindowObserve(float64(us))
}

// migrateIncrementalData streams the WAL items of the slot with sequence
// numbers in (walBeginSeq, endSeq] to the destination.
func (m *SlotMigrator) migrateIncrementalData(job *Job, endSeq uint64) error {
	if endSeq <= m.walBeginSeq {
		return nil
	}
	it, err := m.db.NewSlotWALIterator(job.Slot, m.walBeginSeq+1)
	if err != nil {
		return errors.Wrap(err, "open wal iterator")
	}
	raw := m.cfg.Type == config.MigrateTypeRawKeyValue
	var ext *walExtractor
	if !raw {
		ext = newWALExtractor(job.Slot, m.cli)
	}
	prev := m.walBeginSeq
	for ; it.Valid(); it.Next() {
		if m.stopMigration.Load() {
			return errors.WithStack(ErrCanceled)
		}
		next := it.NextSequenceNumber()
		if next > endSeq+1 {
			break
		}
		if next < prev {
			return errors.Wrapf(ErrSeqGap, "expected at least %d, got %d", prev, next)
		}
		prev = next
		if raw {
			err = extractRawItem(m.getSender(), job.Slot, it.Item())
		} else {
			err = ext.extractItem(it.Item())
		}
		if err != nil {
			return err
		}
	}
	if raw {
		if err = m.getSender().Flush(); err != nil {
			return err
		}
	} else if err = m.cli.sendCmdsPipelineIfNeed(true); err != nil {
		return err
	}
	m.walBeginSeq = endSeq
	return nil
}

func (m *SlotMigrator) finishSuccessfulMigration(job *Job) error {
	if m.stopMigration.Load() {
		return errors.WithStack(ErrCanceled)
	}
	if err := m.cli.setImportStatus(job.Slot, ImportStatusSuccess); err != nil {
		return errors.Wrap(err, "notify import success")
	}
	if err := m.topo.SetSlotMigrated(job.Slot, job.Addr()); err != nil {
		return errors.Wrap(err, "flip slot ownership")
	}
	m.migrateFailedSlot.Store(-1)
	m.state.Store(int32(StateSuccess))
	prom.MigrateStateSet(int(StateSuccess))
	log.Infof("[migrate] succeeded to migrate slot %d to %s(%s)", job.Slot, job.DstNode, job.Addr())
	return nil
}

func (m *SlotMigrator) finishFailedMigration(job *Job) {
	m.state.Store(int32(StateFailed))
	m.migrateFailedSlot.Store(int32(job.Slot))
	// local writes to the slot resume, the destination never assumed
	// ownership; a forbidden marker of an earlier successful migration is
	// left alone
	m.forbiddenSlot.CompareAndSwap(int32(job.Slot), -1)
	// the destination may already be unreachable; local failure stands
	// either way
	if m.cli != nil {
		if err := m.cli.setImportStatus(job.Slot, ImportStatusFailed); err != nil {
			log.Warnf("[migrate] failed to notify %s of the failed import of slot %d: %v",
				job.Addr(), job.Slot, err)
		}
	}
	prom.MigrateStateSet(int(StateFailed))
	log.Warnf("[migrate] failed to migrate slot %d to %s", job.Slot, job.Addr())
}

func (m *SlotMigrator) clean(job *Job, jobErr error) {
	if m.snap != nil {
		if err := m.db.ReleaseSnapshot(m.snap); err != nil {
			log.Warnf("[migrate] failed to release the slot snapshot: %v", err)
		}
		m.snap = nil
	}
	if m.cli != nil {
		_ = m.cli.close()
		m.cli = nil
	}
	m.setSender(nil)
	m.walBeginSeq = 0

	// detach the waiter before reopening the job slot so a new request
	// cannot be resumed with this job's status
	m.syncMu.Lock()
	ctx := m.syncCtx
	m.syncCtx = nil
	m.syncMu.Unlock()
	m.migratingSlot.Store(-1)
	if ctx != nil {
		ctx.Resume(jobErr)
	}
	log.Infof("[migrate] cleaned up the migration of slot %d", job.Slot)
}

func (m *SlotMigrator) setSender(bs *BatchSender) {
	m.senderMu.Lock()
	m.sender = bs
	m.senderMu.Unlock()
}

func (m *SlotMigrator) getSender() *BatchSender {
	m.senderMu.Lock()
	defer m.senderMu.Unlock()
	return m.sender
}

// ApplyMigrateConfig forwards live-tunable limits to a running raw-KV job.
// Safe to call at any time; a no-op when no raw job is active.
func (m *SlotMigrator) ApplyMigrateConfig(c *config.MigrateConfig) {
	bs := m.getSender()
	if bs == nil {
		return
	}
	bs.SetMaxBytes(c.BatchSizeKB * 1024)
	bs.SetBytesPerSecond(c.BatchRateLimitMB * 1024 * 1024)
}

// SetStopMigrationFlag raises or clears the stop flag. Raising it aborts
// the running job at the next iterator step, pipeline flush or WAL batch
// boundary; demotion to a replica raises it.
func (m *SlotMigrator) SetStopMigrationFlag(v bool) {
	m.stopMigration.Store(v)
}

// MigratingSlot returns the slot being sent out, -1 when idle.
func (m *SlotMigrator) MigratingSlot() int {
	return int(m.migratingSlot.Load())
}

// ForbiddenSlot returns the slot whose local writes are rejected, -1 when
// none.
func (m *SlotMigrator) ForbiddenSlot() int {
	return int(m.forbiddenSlot.Load())
}

// MigrateFailedSlot returns the last slot whose migration failed, -1 when
// none.
func (m *SlotMigrator) MigrateFailedSlot() int {
	return int(m.migrateFailedSlot.Load())
}

// MigrationState returns the observable state.
func (m *SlotMigrator) MigrationState() State {
	return State(m.state.Load())
}

// WriteRedirect returns the -MOVED reply for a write to a forbidden slot,
// empty when the write is allowed.
func (m *SlotMigrator) WriteRedirect(slot int) string {
	if int(m.forbiddenSlot.Load()) != slot {
		return ""
	}
	m.infoMu.Lock()
	addr := m.dstAddr
	m.infoMu.Unlock()
	return cluster.MovedError(slot, addr)
}

// GetMigrationInfo renders the migration status for the status command.
func (m *SlotMigrator) GetMigrationInfo() string {
	m.infoMu.Lock()
	slot, node := m.lastSlot, m.dstNode
	m.infoMu.Unlock()
	return fmt.Sprintf("migrating_slot: %d\r\ndestination_node: %s\r\nmigrating_state: %s\r\n",
		slot, node, m.MigrationState())
}

// Close raises the stop flag, drains the worker and joins it.
func (m *SlotMigrator) Close() error {
	m.jobMu.Lock()
	if m.quit {
		m.jobMu.Unlock()
		return nil
	}
	m.quit = true
	m.stopMigration.Store(true)
	m.jobCond.Signal()
	m.jobMu.Unlock()
	m.wg.Wait()
	return nil
}
