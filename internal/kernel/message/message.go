// Package message implements the typed, copy-by-value messages and
// per-task bounded mailboxes carried between interrupt handlers and tasks
// (spec.md section 4.1).
package message

import (
	"log/slog"

	"github.com/tinyrange/dk/internal/kernel/kernerr"
)

type Kind int

const (
	KindInterruptXHCI Kind = iota
	KindTimerTimeout
	KindKeyPush
	KindMouseMove
	KindMouseButton
	KindWindowClose
	KindLayer
	KindLayerFinish
)

// LayerOp names the operation carried by a KindLayer message.
type LayerOp int

const (
	LayerOpDraw LayerOp = iota
	LayerOpMove
)

// Rect is a pixel rectangle, used by KindLayer messages.
type Rect struct {
	X, Y, W, H int
}

// Message is a tagged union carried by value; only the fields relevant to
// Kind are meaningful. Source records the sending task id for replies where
// meaningful (zero for interrupt-originated messages with no task source).
type Message struct {
	Kind   Kind
	Source uint64

	// TimerTimeout
	Timeout uint64
	Value   int64

	// KeyPush
	Modifier uint8
	Keycode  uint8
	ASCII    byte
	Press    bool

	// MouseMove / MouseButton
	X, Y, DX, DY int
	Buttons      uint8
	Button       uint8

	// WindowClose / Layer
	LayerID uint32
	Op      LayerOp
	Rect    Rect
}

const defaultBound = 256

// Mailbox is an intrusive FIFO queue of Message values owned by a single
// task. It is not independently synchronized: every method assumes the
// caller already holds the kernel lock, exactly as the spec requires for
// mailbox mutation ("only with interrupts disabled").
type Mailbox struct {
	buf      []Message
	bound    int
	sleeping bool
}

// NewMailbox constructs an empty mailbox bounded at the default capacity.
// The bound resolves the "mailbox unbounded growth" open question
// (spec.md section 9): once full, the oldest message is dropped to make
// room for the new one.
func NewMailbox() *Mailbox {
	return &Mailbox{bound: defaultBound}
}

// Push appends msg to the tail of the queue, dropping the oldest message
// first if the mailbox is at capacity. Returns true if the task should be
// woken (it was marked sleeping).
func (m *Mailbox) Push(msg Message, log *slog.Logger) (shouldWake bool) {
	if len(m.buf) >= m.bound {
		dropped := m.buf[0]
		m.buf = m.buf[1:]
		if log != nil {
			log.Warn("mailbox full, dropping oldest message", "kind", dropped.Kind)
		}
	}
	m.buf = append(m.buf, msg)
	if m.sleeping {
		m.sleeping = false
		return true
	}
	return false
}

// Pop removes and returns the head message, if any.
func (m *Mailbox) Pop() (Message, bool) {
	if len(m.buf) == 0 {
		return Message{}, false
	}
	msg := m.buf[0]
	m.buf = m.buf[1:]
	return msg, true
}

// Len reports the number of queued messages.
func (m *Mailbox) Len() int { return len(m.buf) }

// MarkSleeping records that the owning task is about to sleep waiting for a
// message; the next Push will report shouldWake=true.
func (m *Mailbox) MarkSleeping() { m.sleeping = true }

// Bus routes messages to per-task mailboxes by task id. It is the C1
// collaborator used by interrupt handlers (trap), the timer service, and
// tasks replying to one another.
type Bus struct {
	mailboxes map[uint64]*Mailbox
	log       *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{mailboxes: make(map[uint64]*Mailbox), log: log}
}

// Register creates an empty mailbox for taskID. Called once, from
// sched.Manager.NewTask.
func (b *Bus) Register(taskID uint64) {
	b.mailboxes[taskID] = NewMailbox()
}

// Unregister drops the mailbox for a terminated task.
func (b *Bus) Unregister(taskID uint64) {
	delete(b.mailboxes, taskID)
}

// Send appends msg to taskID's mailbox. Non-blocking; the caller is
// responsible for waking the task's scheduler entry when shouldWake is true.
func (b *Bus) Send(taskID uint64, msg Message) (shouldWake bool, err error) {
	mb, ok := b.mailboxes[taskID]
	if !ok {
		return false, kernerr.ErrNoSuchTask
	}
	return mb.Push(msg, b.log), nil
}

// Receive pops the head message for taskID.
func (b *Bus) Receive(taskID uint64) (Message, bool, error) {
	mb, ok := b.mailboxes[taskID]
	if !ok {
		return Message{}, false, kernerr.ErrNoSuchTask
	}
	msg, ok := mb.Pop()
	return msg, ok, nil
}

// MarkSleeping flags taskID's mailbox so the next Send wakes it.
func (b *Bus) MarkSleeping(taskID uint64) error {
	mb, ok := b.mailboxes[taskID]
	if !ok {
		return kernerr.ErrNoSuchTask
	}
	mb.MarkSleeping()
	return nil
}

// Len reports the number of queued messages for taskID, used by senders
// that want to self-throttle (spec.md section 4.1: "back-pressure through
// drops by senders that check mailbox length (not enforced by C1)").
func (b *Bus) Len(taskID uint64) int {
	mb, ok := b.mailboxes[taskID]
	if !ok {
		return 0
	}
	return mb.Len()
}
