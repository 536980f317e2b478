// Package dedup decides lead admissibility for one pipeline run. The index
// is the only cross-batch shared mutable state besides the lock file, so the
// admit-and-mark operation is a single critical section.
package dedup

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadloader/internal/lead"
)

// Decision is the outcome of passing one lead through the gate.
type Decision int

const (
	Admitted Decision = iota
	RejectNoPhone
	RejectDuplicatePhone
	RejectDuplicateAddress
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case RejectNoPhone:
		return "reject_no_phone"
	case RejectDuplicatePhone:
		return "reject_duplicate_phone"
	case RejectDuplicateAddress:
		return "reject_duplicate_address"
	default:
		return "unknown"
	}
}

// StoreChecker answers whether a phone or DMID is already persisted. The
// postgres store implements it; tests substitute an in-memory fake.
type StoreChecker interface {
	PhoneExists(ctx context.Context, phone string) (bool, error)
	AddressExists(ctx context.Context, dmid string) (bool, error)
}

// Index tracks the phones and DMIDs seen during one run, plus cached
// verdicts from the persisted store. It is created at run start and
// discarded at run end.
type Index struct {
	mu      sync.Mutex
	checker StoreChecker

	phones map[string]struct{}
	dmids  map[string]struct{}
}

// NewIndex returns an empty index backed by the given persisted-store check.
func NewIndex(checker StoreChecker) *Index {
	return &Index{
		checker: checker,
		phones:  make(map[string]struct{}),
		dmids:   make(map[string]struct{}),
	}
}

// Admit decides whether the lead is admissible and, if so, marks its phone
// and DMID as seen in the same critical section. First occurrence wins: a
// later identical lead in the same file is rejected deterministically, even
// before the first one has been persisted.
func (ix *Index) Admit(ctx context.Context, l *lead.ParsedLead) (Decision, error) {
	// Uncontactable leads carry no value and must not consume an address
	// row; rejected without consulting the index.
	if !l.HasPhone() {
		return RejectNoPhone, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	phone := l.PrimaryPhone()
	if _, seen := ix.phones[phone]; seen {
		return RejectDuplicatePhone, nil
	}
	if _, seen := ix.dmids[l.DMID]; seen {
		return RejectDuplicateAddress, nil
	}

	// First encounter in this file: consult the store once. The verdict is
	// cached by inserting into the seen-sets below, so rerunning a file over
	// already-persisted leads rejects them all without repeat queries.
	persisted, err := ix.checker.PhoneExists(ctx, phone)
	if err != nil {
		return 0, eris.Wrap(err, "dedup: check persisted phone")
	}
	if persisted {
		ix.phones[phone] = struct{}{}
		return RejectDuplicatePhone, nil
	}

	persisted, err = ix.checker.AddressExists(ctx, l.DMID)
	if err != nil {
		return 0, eris.Wrap(err, "dedup: check persisted address")
	}
	if persisted {
		ix.dmids[l.DMID] = struct{}{}
		return RejectDuplicateAddress, nil
	}

	// Admit and mark before persistence completes, so in-file duplicates of
	// this lead are caught regardless of batch timing.
	ix.phones[phone] = struct{}{}
	ix.dmids[l.DMID] = struct{}{}
	return Admitted, nil
}

// Seen reports whether a DMID has been observed this run. Used by tests and
// diagnostics; admission decisions go through Admit.
func (ix *Index) Seen(dmid string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, ok := ix.dmids[dmid]
	return ok
}
