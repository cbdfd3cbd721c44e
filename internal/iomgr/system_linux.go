//go:build linux

// Package iomgr runs async reads and writes through one io_uring. Completion
// callbacks fire on the ring's reaper goroutine, never on the submitter's.
package iomgr

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"diskbench/internal/system"
	"diskbench/internal/util"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

// PERF:
// 1. read/write fixed
// 2. register buffer
// 3. register file
// Completion interrupts and GUP on unregistered buffers are where the kernel time goes.

const RING_ENTRIES 	= 0x100
const OP_Q_SIZE		= 0x100

var ErrClosed = errors.New("iomgr: closed")

type OpCode uint16
const (
	OpNop 	OpCode = iota
	OpWrite
	OpRead
	OpSync
)

type Op struct {
	Opcode	OpCode
	Fd		int
	Buf		[]byte
	Off		uint64 // bytes
	// Done gets the raw CQE result: bytes transferred, or -errno.
	// Runs on the reaper goroutine, must not block on another Submit.
	Done	func(res int32)
}

type IoMgr struct {
	log			*slog.Logger
	ring 		*giouring.Ring
	opQueue		chan *Op
	opSem		chan struct{}
	// only touched by ringlord
	slots		util.TicketQueue[*Op]

	closeOnce	sync.Once
	mu			sync.RWMutex
	closed		bool
	exited		chan struct{}
}

func CreateIoMgr() (*IoMgr ,error) {
	log := slog.With("src", "IoMgr")

	ring, err := giouring.CreateRing(RING_ENTRIES)
	if err != nil { return nil, err }

	iomgr := IoMgr {
		log: 		log,
		ring: 		ring,
		opQueue: 	make(chan *Op, OP_Q_SIZE),
		opSem: 		make(chan struct{}, RING_ENTRIES),
		slots:		util.CreateTicketQueue[*Op](RING_ENTRIES),
		exited:		make(chan struct{}),
	}

	go iomgr.ringlord()
	return &iomgr, nil
}

// Close lets every submitted op complete, stops the reaper and tears the ring down.
func (m *IoMgr) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.opQueue)
		m.mu.Unlock()

		<- m.exited
		m.ring.QueueExit()
	})
}

// Submit blocks while the ring is full. The op's buffer must stay untouched until
// Done runs.
func (m *IoMgr) Submit(op *Op) error {
	m.opSem <- struct{}{}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		<- m.opSem
		return ErrClosed
	}
	m.opQueue <- op
	return nil
}

func (m *IoMgr) complete(op *Op, res int32) {
	<- m.opSem
	if op.Done != nil { op.Done(res) }
}

// prepares one SQE, returns false if the op was completed right away instead
func (m *IoMgr) prepSQE(op *Op) bool {
	switch op.Opcode {
	case OpNop, OpWrite, OpRead, OpSync:
	default:
		m.log.Warn("Invalid opcode", "opcode", op.Opcode)
		m.complete(op, -int32(unix.EINVAL))
		return false
	}

	sqe := m.ring.GetSQE()
	if sqe == nil {
		// opSem caps ops at the ring size, so this means the ring is broken
		m.log.Error("no free SQE", "free tickets", m.slots.Free())
		m.complete(op, -int32(unix.EBUSY))
		return false
	}

	switch op.Opcode {
	case OpNop:
		sqe.PrepareNop()
	case OpWrite:
		sqe.PrepareWrite(op.Fd, system.Addr(op.Buf), uint32(len(op.Buf)), op.Off)
	case OpRead:
		sqe.PrepareRead(op.Fd, system.Addr(op.Buf), uint32(len(op.Buf)), op.Off)
	case OpSync:
		sqe.PrepareFsync(op.Fd, 0)
	}

	// the kernel only ever sees the ticket, the op itself stays reachable in slots
	sqe.UserData = uint64(m.slots.Acq(op))
	return true
}

// "Those who sow the good seed
// Shall surely reap"
func (m *IoMgr) ringlord() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(m.exited)

	var queued   uint = 0 // SQEs that we have "got" and prepared from the opQueue
	var inflight uint = 0 // SQEs that have been SUBMITTED
	opQueue := m.opQueue

	// 1. collect ops from the submitter-facing opQueue and prepare SQEs
	// 2. submit prepared SQEs
	// 3. reap CQEs and fire callbacks
	for {
		// STAGE 1
		if inflight == 0 && queued == 0 {
			if opQueue == nil { return }
			// Nothing to reap, block until there is something to submit
			op, ok := <- opQueue
			if !ok { return }
			if m.prepSQE(op) { queued++ }
		}
		// Non-blocking
		COLLECT: for opQueue != nil {
			select {
			case op, ok := <- opQueue:
				if !ok {
					opQueue = nil
					break COLLECT
				}
				if m.prepSQE(op) { queued++ }
			default:
				break COLLECT
			}
		}

		// STAGE 2
		if queued > 0 {
			submitted, err := m.ring.Submit()
			if err != nil && err != unix.ETIME && err != unix.EINTR && err != unix.EAGAIN {
				m.log.Error("Submit", "err", err)
			}
			queued   -= submitted
			inflight += submitted
		} else if inflight > 0 {
			// nothing new to hand over, park until the kernel finishes something
			_, err := m.ring.SubmitAndWait(1)
			if err != nil && err != unix.ETIME && err != unix.EINTR {
				m.log.Error("SubmitAndWait", "err", err)
			}
		}

		// STAGE 3
		for inflight > 0 {
			cqe, err := m.ring.PeekCQE()
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
				break
			} else if err != nil {
				m.log.Error("Peek cqe fatal error", "err", err)
				panic("Something wrong with your IO_URING!")
			}

			if cqe == nil {
				m.log.Warn("cqe == nil but we didnt get an err (eagain)?")
				break
			}

			ticket := cqe.UserData
			res := cqe.Res
			m.ring.CQESeen(cqe)

			inflight--
			op := m.slots.Get(int(ticket))
			m.slots.Rel(int(ticket))
			m.complete(op, res)
		}
	}
}
