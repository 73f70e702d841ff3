package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/synaptiq/neuroledger/pkg/ledger"
	"github.com/synaptiq/neuroledger/pkg/store"
)

type appendResult struct {
	ev  *ledger.Event
	err error
}

type appendMsg struct {
	ctx   context.Context
	ev    *ledger.Event // validated candidate, not yet ordered/hashed/signed
	reply chan appendResult
}

// partitionWriter is the single logical owner of one partition's chain head.
// All appends for the partition serialize through its mailbox, so two events
// can never observe the same previous_hash. The critical section is hash
// computation plus the hot-store CAS; validation and signing of other
// partitions proceed in parallel.
type partitionWriter struct {
	key     string
	gate    *Gate
	mailbox chan appendMsg

	// guards the mailbox lifetime: submit holds the read side so close
	// cannot slip between the closed check and the send
	closeMu sync.RWMutex
	closed  bool

	// chain cursor, touched only by the run goroutine
	head     string
	sequence uint64
	primed   bool
}

func newPartitionWriter(key string, gate *Gate, mailboxSize int) *partitionWriter {
	w := &partitionWriter{
		key:     key,
		gate:    gate,
		mailbox: make(chan appendMsg, mailboxSize),
	}
	go w.run()
	return w
}

// submit enqueues without blocking: a saturated mailbox is backpressure, not
// a buffering opportunity. A writer mid-shutdown sheds the same way.
func (w *partitionWriter) submit(msg appendMsg) error {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return ledger.ErrOverloaded
	}
	select {
	case w.mailbox <- msg:
		return nil
	default:
		return ledger.ErrOverloaded
	}
}

func (w *partitionWriter) close() {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.mailbox)
}

func (w *partitionWriter) run() {
	for msg := range w.mailbox {
		ev, err := w.append(msg.ctx, msg.ev)
		msg.reply <- appendResult{ev: ev, err: err}
	}
}

// prime reads the durable cursor from the hot store on first use (and after
// a head conflict, which indicates the durable head moved under us).
func (w *partitionWriter) prime(ctx context.Context) error {
	head, err := w.gate.hot.Head(ctx, w.key)
	if err != nil {
		return err
	}
	n, err := w.gate.hot.PartitionLen(ctx, w.key)
	if err != nil {
		return err
	}
	w.head = head
	w.sequence = uint64(n)
	w.primed = true
	return nil
}

func (w *partitionWriter) append(ctx context.Context, ev *ledger.Event) (*ledger.Event, error) {
	if !w.primed {
		if err := w.prime(ctx); err != nil {
			return nil, &ledger.StorageWriteFailure{Tier: store.TierHot, Err: err}
		}
	}

	finalized, err := w.finalizeAndWrite(ctx, ev)

	var conflict *ledger.ChainConflictError
	if errors.As(err, &conflict) {
		// The durable head moved outside this writer (process restart race,
		// operator replay). Re-read and retry the single event once.
		w.gate.observeConflict(ctx, w.key)
		if perr := w.prime(ctx); perr != nil {
			return nil, &ledger.StorageWriteFailure{Tier: store.TierHot, Err: perr}
		}
		finalized, err = w.finalizeAndWrite(ctx, ev)
	}
	if err != nil {
		return nil, err
	}

	// Advance the cursor only after the hot store acknowledged.
	w.head = finalized.EventHash
	w.sequence = finalized.Sequence
	return finalized, nil
}

func (w *partitionWriter) finalizeAndWrite(ctx context.Context, candidate *ledger.Event) (*ledger.Event, error) {
	ev := *candidate
	ev.Sequence = w.sequence + 1
	ev.PreviousHash = w.head
	ev.Signature = ""
	ev.SigningKeyID = ""

	hash, err := ledger.ComputeEventHash(&ev)
	if err != nil {
		return nil, err
	}
	ev.EventHash = hash

	if err := w.gate.signer.SignEvent(ctx, &ev); err != nil {
		return nil, err
	}

	if err := w.gate.fanout.Write(ctx, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
