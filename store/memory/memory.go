// Package memory is an in-process store backend. It enforces the same
// uniqueness keys and version checks as the SQL backend, hands out deep
// copies, and supports rollback of expectation, finding and status writes
// made inside InTx.
//
// Transactions run one at a time. A row written inside a transaction stays
// locked until it commits or rolls back: other writers of that row wait, so
// a rollback never overwrites their work. Readers are not blocked and may see
// rows a transaction has not committed yet.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/finding"
	"github.com/zero-day-ai/injector/store"
	"github.com/zero-day-ai/injector/types"
)

var _ store.Store = (*Store)(nil)

// Store keeps every record in maps guarded by one lock.
type Store struct {
	mu sync.RWMutex

	// txMu serializes transactions. rows maps a row locked by the open
	// transaction to its journal; released is signalled when it ends.
	txMu     sync.Mutex
	rows     map[string]*txJournal
	released *sync.Cond

	exercises   map[string]types.Exercise
	teams       map[string]types.Team
	assets      map[string]types.Asset
	assetGroups map[string]assetGroup
	injects     map[string]types.Inject

	statuses map[string]*execution.InjectStatus

	expectations   map[string]*expectation.Expectation
	expectationIdx map[expectation.Key]string

	findings   map[string]*finding.Finding
	findingIdx map[finding.Key]string
}

// assetGroup stores membership by id so that group members always reflect
// the current asset records.
type assetGroup struct {
	id       string
	name     string
	assetIDs []string
}

// New creates an empty store.
func New() *Store {
	s := &Store{
		rows:           make(map[string]*txJournal),
		exercises:      make(map[string]types.Exercise),
		teams:          make(map[string]types.Team),
		assets:         make(map[string]types.Asset),
		assetGroups:    make(map[string]assetGroup),
		injects:        make(map[string]types.Inject),
		statuses:       make(map[string]*execution.InjectStatus),
		expectations:   make(map[string]*expectation.Expectation),
		expectationIdx: make(map[expectation.Key]string),
		findings:       make(map[string]*finding.Finding),
		findingIdx:     make(map[finding.Key]string),
	}
	s.released = sync.NewCond(&s.mu)
	return s
}

// txKey marks a context carrying a memory transaction.
type txKey struct{}

// txJournal remembers the value each record had before its first write in the
// transaction; nil means the record did not exist.
type txJournal struct {
	expectations map[string]*expectation.Expectation
	findings     map[string]*finding.Finding
	statuses     map[string]*execution.InjectStatus

	// rows is every row this transaction locked.
	rows []string
}

func journalFrom(ctx context.Context) *txJournal {
	j, _ := ctx.Value(txKey{}).(*txJournal)
	return j
}

// InTx implements store.TxRunner. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if journalFrom(ctx) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	j := &txJournal{
		expectations: make(map[string]*expectation.Expectation),
		findings:     make(map[string]*finding.Finding),
		statuses:     make(map[string]*execution.InjectStatus),
	}
	err := fn(context.WithValue(ctx, txKey{}, j))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.rollbackLocked(j)
	}
	for _, row := range j.rows {
		delete(s.rows, row)
	}
	s.released.Broadcast()
	return err
}

// claimLocked waits until no other transaction holds rows, then locks them
// for the transaction carried by ctx, if any. Callers hold s.mu; it is
// released while waiting.
func (s *Store) claimLocked(ctx context.Context, rows ...string) {
	j := journalFrom(ctx)
	for s.lockedByOther(j, rows) {
		s.released.Wait()
	}
	if j == nil {
		return
	}
	for _, row := range rows {
		if _, held := s.rows[row]; !held {
			s.rows[row] = j
			j.rows = append(j.rows, row)
		}
	}
}

func (s *Store) lockedByOther(j *txJournal, rows []string) bool {
	for _, row := range rows {
		if owner, held := s.rows[row]; held && owner != j {
			return true
		}
	}
	return false
}

func expectationRow(id string) string { return "expectation/" + id }
func findingRow(id string) string     { return "finding/" + id }
func statusRow(id string) string      { return "status/" + id }

func (s *Store) rollbackLocked(j *txJournal) {

	for id, prior := range j.expectations {
		if cur, ok := s.expectations[id]; ok {
			delete(s.expectationIdx, cur.Key())
			delete(s.expectations, id)
		}
		if prior != nil {
			s.expectations[id] = prior
			s.expectationIdx[prior.Key()] = id
		}
	}
	for id, prior := range j.findings {
		if cur, ok := s.findings[id]; ok {
			delete(s.findingIdx, cur.Key())
			delete(s.findings, id)
		}
		if prior != nil {
			s.findings[id] = prior
			s.findingIdx[prior.Key()] = id
		}
	}
	for id, prior := range j.statuses {
		delete(s.statuses, id)
		if prior != nil {
			s.statuses[id] = prior
		}
	}
}

// journalExpectation must be called with s.mu held, before the write.
func (s *Store) journalExpectation(ctx context.Context, id string) {
	j := journalFrom(ctx)
	if j == nil {
		return
	}
	if _, done := j.expectations[id]; done {
		return
	}
	if cur, ok := s.expectations[id]; ok {
		j.expectations[id] = cur.Clone()
	} else {
		j.expectations[id] = nil
	}
}

func (s *Store) journalFinding(ctx context.Context, id string) {
	j := journalFrom(ctx)
	if j == nil {
		return
	}
	if _, done := j.findings[id]; done {
		return
	}
	if cur, ok := s.findings[id]; ok {
		j.findings[id] = cur.Clone()
	} else {
		j.findings[id] = nil
	}
}

func (s *Store) journalStatus(ctx context.Context, id string) {
	j := journalFrom(ctx)
	if j == nil {
		return
	}
	if _, done := j.statuses[id]; done {
		return
	}
	if cur, ok := s.statuses[id]; ok {
		j.statuses[id] = cur.Clone()
	} else {
		j.statuses[id] = nil
	}
}

func sortByTime[T any](items []T, at func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return at(items[i]).Before(at(items[j]))
	})
}
