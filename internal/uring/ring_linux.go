// Copyright (c) 2023 Andy Pan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

// Package uring is a minimal io_uring binding: setup, the three ring
// mmaps, submission-queue entry preparation and the enter syscall. It
// implements exactly what a single-threaded event loop needs and nothing
// more; all ring accesses must come from one goroutine.
package uring

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Opcodes this package prepares.
const (
	OpNop         uint8 = 0
	OpSendmsg     uint8 = 9
	OpRecvmsg     uint8 = 10
	OpAsyncCancel uint8 = 14
	OpRead        uint8 = 22
)

// mmap offsets into the ring fd, from the kernel ABI.
const (
	offSQRing int64 = 0
	offCQRing int64 = 0x8000000
	offSQEs   int64 = 0x10000000
)

const enterGetEvents = 1 // IORING_ENTER_GETEVENTS

// io_sqring_offsets.
type sqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

// io_cqring_offsets.
type cqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

// io_uring_params.
type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqringOffsets
	cqOff        cqringOffsets
}

// SQE is the 64-byte submission-queue entry of the kernel ABI. Prep methods
// fill it; any pointer stored into it must stay reachable until the matching
// completion is reaped.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	_           [2]uint64
}

// CQE is the 16-byte completion-queue entry. Res is the syscall result:
// non-negative byte counts, or a negated errno.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Ring owns an io_uring instance: the ring fd and the three shared-memory
// mappings.
type Ring struct {
	fd int

	sqRingMem []byte
	cqRingMem []byte
	sqesMem   []byte

	sqHead  *uint32 // kernel-advanced consumer index
	sqTail  *uint32 // published producer index
	sqMask  uint32
	sqArray []uint32
	sqes    []SQE

	cqHead *uint32
	cqTail *uint32 // kernel-advanced producer index
	cqMask uint32
	cqes   []CQE

	sqeTail uint32 // local producer index, published by Enter
}

// New sets up an io_uring of the given submission-queue depth and maps its
// rings. It fails with ENOSYS on kernels without io_uring.
func New(entries uint32) (*Ring, error) {
	var p ringParams
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, os.NewSyscallError("io_uring_setup", errno)
	}
	r := &Ring{fd: int(fd)}

	var err error
	sqRingSz := int(p.sqOff.array + p.sqEntries*4)
	if r.sqRingMem, err = unix.Mmap(r.fd, offSQRing, sqRingSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		_ = r.Close()
		return nil, os.NewSyscallError("mmap sq ring", err)
	}
	cqRingSz := int(p.cqOff.cqes + p.cqEntries*uint32(unsafe.Sizeof(CQE{})))
	if r.cqRingMem, err = unix.Mmap(r.fd, offCQRing, cqRingSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		_ = r.Close()
		return nil, os.NewSyscallError("mmap cq ring", err)
	}
	if r.sqesMem, err = unix.Mmap(r.fd, offSQEs, int(p.sqEntries)*int(unsafe.Sizeof(SQE{})),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		_ = r.Close()
		return nil, os.NewSyscallError("mmap sqes", err)
	}

	sqBase := unsafe.Pointer(&r.sqRingMem[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, uintptr(p.sqOff.head)))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, uintptr(p.sqOff.tail)))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, uintptr(p.sqOff.ringMask)))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sqBase, uintptr(p.sqOff.array))), p.sqEntries)
	r.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&r.sqesMem[0])), p.sqEntries)

	cqBase := unsafe.Pointer(&r.cqRingMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, uintptr(p.cqOff.head)))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, uintptr(p.cqOff.tail)))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, uintptr(p.cqOff.ringMask)))
	r.cqes = unsafe.Slice((*CQE)(unsafe.Add(cqBase, uintptr(p.cqOff.cqes))), p.cqEntries)

	r.sqeTail = *r.sqTail
	return r, nil
}

// Close unmaps the rings and releases the ring fd.
func (r *Ring) Close() error {
	if r.sqRingMem != nil {
		_ = unix.Munmap(r.sqRingMem)
		r.sqRingMem = nil
	}
	if r.cqRingMem != nil {
		_ = unix.Munmap(r.cqRingMem)
		r.cqRingMem = nil
	}
	if r.sqesMem != nil {
		_ = unix.Munmap(r.sqesMem)
		r.sqesMem = nil
	}
	return os.NewSyscallError("close", unix.Close(r.fd))
}

// NextSQE claims the next submission slot, zeroed. It reports false when the
// submission queue is full; the caller must retry after the next Enter.
func (r *Ring) NextSQE() (*SQE, bool) {
	head := atomic.LoadUint32(r.sqHead)
	if r.sqeTail-head >= uint32(len(r.sqes)) {
		return nil, false
	}
	idx := r.sqeTail & r.sqMask
	r.sqeTail++
	sqe := &r.sqes[idx]
	*sqe = SQE{}
	r.sqArray[idx] = idx
	return sqe, true
}

// Enter publishes the prepared entries and calls io_uring_enter, waiting for
// at least minComplete completions when minComplete is non-zero.
func (r *Ring) Enter(minComplete uint32) error {
	atomic.StoreUint32(r.sqTail, r.sqeTail)
	toSubmit := r.sqeTail - atomic.LoadUint32(r.sqHead)
	var flags uintptr
	if minComplete > 0 {
		flags = enterGetEvents
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), flags, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// PeekCQE pops one completion if available.
func (r *Ring) PeekCQE() (CQE, bool) {
	head := *r.cqHead
	if head == atomic.LoadUint32(r.cqTail) {
		return CQE{}, false
	}
	cqe := r.cqes[head&r.cqMask]
	atomic.StoreUint32(r.cqHead, head+1)
	return cqe, true
}

// PrepMsg fills the entry with a sendmsg/recvmsg descriptor. The msghdr and
// everything it points at must outlive the operation.
func (s *SQE) PrepMsg(opcode uint8, fd int, msg *unix.Msghdr, userData uint64) {
	s.Opcode = opcode
	s.Fd = int32(fd)
	s.Addr = uint64(uintptr(unsafe.Pointer(msg)))
	s.Len = 1
	s.UserData = userData
}

// PrepRead fills the entry with a plain read, used for the loop's wake fd.
func (s *SQE) PrepRead(fd int, buf []byte, userData uint64) {
	s.Opcode = OpRead
	s.Fd = int32(fd)
	s.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	s.Len = uint32(len(buf))
	s.UserData = userData
}

// PrepCancel fills the entry with an asynchronous cancellation targeting the
// operation submitted with target as its user data.
func (s *SQE) PrepCancel(target, userData uint64) {
	s.Opcode = OpAsyncCancel
	s.Fd = -1
	s.Addr = target
	s.UserData = userData
}

// PrepNop fills the entry with a no-op completion.
func (s *SQE) PrepNop(userData uint64) {
	s.Opcode = OpNop
	s.UserData = userData
}
