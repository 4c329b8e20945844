package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vaultline/auditcore/pkg/event"
)

// Memory is the in-process store used by tests and the property suite.
// It mirrors the SQL stores' transactional behavior: writes stage
// inside a transaction and become visible at commit, stream locks are
// held until the transaction ends, and claimed backlog rows are skipped
// by concurrent fetches.
type Memory struct {
	mu          sync.RWMutex
	events      map[string][]*event.Event // stream key -> committed events
	byID        map[string]*event.Event
	externalIDs map[string]map[string]struct{} // stream key -> external ids
	tasks       map[string]*IngestTask
	backlog     []*BacklogRow
	backlogSeq  int64
	seals       map[string][]*SealMarker
	sealSeq     int64

	locks   *streamLocks
	claimMu sync.Mutex
	claimed map[int64]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		events:      make(map[string][]*event.Event),
		byID:        make(map[string]*event.Event),
		externalIDs: make(map[string]map[string]struct{}),
		tasks:       make(map[string]*IngestTask),
		seals:       make(map[string][]*SealMarker),
		locks:       newStreamLocks(),
		claimed:     make(map[int64]struct{}),
	}
}

func (s *Memory) Init(ctx context.Context) error { return nil }
func (s *Memory) Close() error                   { return nil }

func streamKey(projectID, environmentID string) string {
	return projectID + "\x00" + environmentID
}

type memBump struct {
	id  int64
	err string
}

type memTxn struct {
	store        *Memory
	stagedEvents []*event.Event
	stagedSeals  []*SealMarker
	stagedMarks  []int64
	stagedBumps  []memBump
	releases     []func()
	done         bool
}

func (t *memTxn) finish() {
	if t.done {
		return
	}
	t.done = true
	for i := len(t.releases) - 1; i >= 0; i-- {
		t.releases[i]()
	}
}

func (t *memTxn) Commit() error {
	if t.done {
		return event.E(event.CodeStorage, "transaction already finished")
	}
	s := t.store
	s.mu.Lock()
	for _, ev := range t.stagedEvents {
		key := streamKey(ev.ProjectID, ev.EnvironmentID)
		s.events[key] = append(s.events[key], ev)
		s.byID[ev.ID] = ev
		if ev.ExternalID != "" {
			if s.externalIDs[key] == nil {
				s.externalIDs[key] = make(map[string]struct{})
			}
			s.externalIDs[key][ev.ExternalID] = struct{}{}
		}
	}
	for _, m := range t.stagedSeals {
		s.sealSeq++
		m.ID = s.sealSeq
		key := streamKey(m.ProjectID, m.EnvironmentID)
		s.seals[key] = append(s.seals[key], m)
	}
	for _, id := range t.stagedMarks {
		if row := s.backlogByID(id); row != nil {
			row.Processed = true
		}
	}
	for _, b := range t.stagedBumps {
		if row := s.backlogByID(b.id); row != nil {
			row.Attempts++
			row.LastAttempt = time.Now().UTC()
			row.LastError = b.err
		}
	}
	s.mu.Unlock()
	t.finish()
	return nil
}

func (t *memTxn) Rollback() error {
	t.finish()
	return nil
}

// backlogByID runs under s.mu.
func (s *Memory) backlogByID(id int64) *BacklogRow {
	for _, row := range s.backlog {
		if row.ID == id {
			return row
		}
	}
	return nil
}

func (s *Memory) Begin(ctx context.Context) (Tx, error) {
	return &memTxn{store: s}, nil
}

// ClaimBacklog is an ordinary staged transaction; claims release when
// it ends.
func (s *Memory) ClaimBacklog(ctx context.Context) (Tx, error) {
	return s.Begin(ctx)
}

func (s *Memory) txn(tx Tx) (*memTxn, error) {
	t, ok := tx.(*memTxn)
	if !ok {
		return nil, txMismatch("memory")
	}
	return t, nil
}

func (s *Memory) LockStream(ctx context.Context, tx Tx, projectID, environmentID string) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	release, err := s.locks.acquire(ctx, projectID, environmentID)
	if err != nil {
		return err
	}
	t.releases = append(t.releases, release)
	return nil
}

func (s *Memory) ChainTip(ctx context.Context, tx Tx, projectID, environmentID string) (*Tip, error) {
	t, err := s.txn(tx)
	if err != nil {
		return nil, err
	}
	// Staged events extend the tip within this transaction.
	for i := len(t.stagedEvents) - 1; i >= 0; i-- {
		ev := t.stagedEvents[i]
		if ev.ProjectID == projectID && ev.EnvironmentID == environmentID {
			return &Tip{Hash: ev.Hash, ReceivedAt: ev.ReceivedAt}, nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := sortedCopy(s.events[streamKey(projectID, environmentID)])
	if len(evs) == 0 {
		return nil, nil
	}
	last := evs[len(evs)-1]
	return &Tip{Hash: last.Hash, ReceivedAt: last.ReceivedAt}, nil
}

func (s *Memory) InsertEvent(ctx context.Context, tx Tx, ev *event.Event) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	key := streamKey(ev.ProjectID, ev.EnvironmentID)
	s.mu.RLock()
	_, idTaken := s.byID[ev.ID]
	_, extTaken := s.externalIDs[key][ev.ExternalID]
	s.mu.RUnlock()
	if idTaken {
		return ErrAlreadyCommitted
	}
	for _, staged := range t.stagedEvents {
		if staged.ID == ev.ID {
			return ErrAlreadyCommitted
		}
		if ev.ExternalID != "" && staged.ExternalID == ev.ExternalID &&
			staged.ProjectID == ev.ProjectID && staged.EnvironmentID == ev.EnvironmentID {
			extTaken = true
		}
	}
	if ev.ExternalID != "" && extTaken {
		dup := event.Ef(event.CodeDuplicateExternalID, "external_id %q already present in stream", ev.ExternalID)
		dup.EventID = ev.ID
		return dup
	}
	cp := *ev
	t.stagedEvents = append(t.stagedEvents, &cp)
	return nil
}

func (s *Memory) InsertEvents(ctx context.Context, tx Tx, evs []*event.Event) error {
	for _, ev := range evs {
		if err := s.InsertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Memory) GetEvent(ctx context.Context, id, projectID, environmentID string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[id]
	if !ok || ev.ProjectID != projectID || ev.EnvironmentID != environmentID {
		return nil, event.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *Memory) QueryEvents(ctx context.Context, f Filter) (*Page, error) {
	if err := f.normalize(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	evs := sortedCopy(s.events[streamKey(f.ProjectID, f.EnvironmentID)])
	s.mu.RUnlock()

	var afterTime time.Time
	var afterID string
	if f.Cursor != "" {
		var err error
		if afterTime, afterID, err = decodeCursor(f.Cursor); err != nil {
			return nil, err
		}
	}

	page := &Page{Total: -1}
	var matched []*event.Event
	var total int64
	for _, ev := range evs {
		if !matchesFilter(ev, f) {
			continue
		}
		total++
		if f.Cursor != "" && !afterKeyset(ev, afterTime, afterID) {
			continue
		}
		cp := *ev
		matched = append(matched, &cp)
	}
	if f.WithTotal {
		page.Total = total
	}
	if len(matched) > f.Limit+1 {
		matched = matched[:f.Limit+1]
	}
	page.Events, page.NextCursor = nextPage(matched, f.Limit)
	return page, nil
}

func matchesFilter(ev *event.Event, f Filter) bool {
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.ActorID != "" && ev.ActorID != f.ActorID {
		return false
	}
	if f.TargetID != "" && ev.TargetID != f.TargetID {
		return false
	}
	if !f.Start.IsZero() && ev.ReceivedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && ev.ReceivedAt.After(f.End) {
		return false
	}
	if f.DescriptionContains != "" &&
		!strings.Contains(strings.ToLower(ev.Description), strings.ToLower(f.DescriptionContains)) {
		return false
	}
	return true
}

func afterKeyset(ev *event.Event, t time.Time, id string) bool {
	if ev.ReceivedAt.After(t) {
		return true
	}
	return ev.ReceivedAt.Equal(t) && ev.ID > id
}

func (s *Memory) InsertIngestTask(ctx context.Context, task *IngestTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *Memory) MarkIngestProcessed(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		task.Processed = true
	}
	return nil
}

func (s *Memory) MoveToBacklog(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.Processed {
		return event.ErrNotFound
	}
	task.Processed = true
	s.backlogSeq++
	s.backlog = append(s.backlog, &BacklogRow{
		ID:            s.backlogSeq,
		ProjectID:     task.ProjectID,
		EnvironmentID: task.EnvironmentID,
		NewEventID:    task.NewEventID,
		Received:      task.Received,
		OriginalEvent: append([]byte(nil), task.OriginalEvent...),
	})
	return nil
}

func (s *Memory) BacklogSize(ctx context.Context, projectID, environmentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, row := range s.backlog {
		if !row.Processed && row.ProjectID == projectID && row.EnvironmentID == environmentID {
			n++
		}
	}
	return n, nil
}

func (s *Memory) FetchBacklogBatch(ctx context.Context, tx Tx, limit, maxAttempts int) ([]*BacklogRow, error) {
	t, err := s.txn(tx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	pending := make([]*BacklogRow, 0)
	for _, row := range s.backlog {
		if !row.Processed && row.Attempts < maxAttempts {
			pending = append(pending, row)
		}
	}
	s.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		if a.EnvironmentID != b.EnvironmentID {
			return a.EnvironmentID < b.EnvironmentID
		}
		return a.ID < b.ID
	})

	s.claimMu.Lock()
	var claimedIDs []int64
	var batch []*BacklogRow
	for _, row := range pending {
		if len(batch) == limit {
			break
		}
		if _, taken := s.claimed[row.ID]; taken {
			continue
		}
		s.claimed[row.ID] = struct{}{}
		claimedIDs = append(claimedIDs, row.ID)
		cp := *row
		batch = append(batch, &cp)
	}
	s.claimMu.Unlock()

	t.releases = append(t.releases, func() {
		s.claimMu.Lock()
		for _, id := range claimedIDs {
			delete(s.claimed, id)
		}
		s.claimMu.Unlock()
	})
	return batch, nil
}

func (s *Memory) OldestPendingBacklogID(ctx context.Context, tx Tx, projectID, environmentID string, maxAttempts int) (int64, error) {
	if _, err := s.txn(tx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	oldest := int64(0)
	for _, row := range s.backlog {
		if row.Processed || row.Attempts >= maxAttempts {
			continue
		}
		if row.ProjectID != projectID || row.EnvironmentID != environmentID {
			continue
		}
		if oldest == 0 || row.ID < oldest {
			oldest = row.ID
		}
	}
	return oldest, nil
}

func (s *Memory) MarkBacklogProcessed(ctx context.Context, tx Tx, id int64) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	t.stagedMarks = append(t.stagedMarks, id)
	return nil
}

func (s *Memory) BumpAttempts(ctx context.Context, tx Tx, id int64, attemptErr string) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	t.stagedBumps = append(t.stagedBumps, memBump{id: id, err: attemptErr})
	return nil
}

func (s *Memory) SealStats(ctx context.Context, tx Tx, projectID, environmentID string, upTo time.Time) (int64, string, error) {
	if _, err := s.txn(tx); err != nil {
		return 0, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := sortedCopy(s.events[streamKey(projectID, environmentID)])
	var count int64
	tipHash := ""
	for _, ev := range evs {
		if ev.ReceivedAt.After(upTo) {
			break
		}
		count++
		tipHash = ev.Hash
	}
	return count, tipHash, nil
}

func (s *Memory) InsertSealMarker(ctx context.Context, tx Tx, m *SealMarker) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	cp := *m
	t.stagedSeals = append(t.stagedSeals, &cp)
	return nil
}

func (s *Memory) ListSealMarkers(ctx context.Context, projectID, environmentID string) ([]*SealMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seals := s.seals[streamKey(projectID, environmentID)]
	out := make([]*SealMarker, 0, len(seals))
	for _, m := range seals {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpToTime.Equal(out[j].UpToTime) {
			return out[i].UpToTime.Before(out[j].UpToTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Memory) LatestSeal(ctx context.Context, projectID, environmentID string) (*SealMarker, error) {
	markers, err := s.ListSealMarkers(ctx, projectID, environmentID)
	if err != nil {
		return nil, err
	}
	if len(markers) == 0 {
		return nil, nil
	}
	return markers[len(markers)-1], nil
}

func (s *Memory) ExportRange(ctx context.Context, projectID, environmentID string, start, end time.Time, fn func(*event.Event) error) error {
	s.mu.RLock()
	evs := sortedCopy(s.events[streamKey(projectID, environmentID)])
	s.mu.RUnlock()
	for _, ev := range evs {
		if ev.ReceivedAt.Before(start) || ev.ReceivedAt.After(end) {
			continue
		}
		cp := *ev
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

// Tamper mutates a committed event in place, bypassing every guard the
// API enforces. Tests use it to emulate an out-of-band database edit
// that integrity verification must detect.
func (s *Memory) Tamper(id string, mutate func(*event.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.byID[id]
	if !ok {
		return event.ErrNotFound
	}
	mutate(ev)
	return nil
}

func sortedCopy(evs []*event.Event) []*event.Event {
	out := make([]*event.Event, len(evs))
	copy(out, evs)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
