//
// Copyright 2020-2021 Toda Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

//go:build linux && amd64
// +build linux,amd64

package replacer

import (
	"encoding/binary"
)

// ReplaceCase is one descriptor rewrite: the victim fd number and the byte
// offset of the replacement path inside the payload's string table. On the
// wire it is a packed little-endian 16-byte record; serialization is done
// explicitly byte-by-byte, never through struct memory casts.
type ReplaceCase struct {
	Fd            uint64
	NewPathOffset uint64
}

const replaceCaseSize = 16

// encodeCases packs the case array little-endian with no padding.
func encodeCases(cases []ReplaceCase) []byte {

	out := make([]byte, 0, len(cases)*replaceCaseSize)

	var word [8]byte
	for _, c := range cases {
		binary.LittleEndian.PutUint64(word[:], c.Fd)
		out = append(out, word[:]...)
		binary.LittleEndian.PutUint64(word[:], c.NewPathOffset)
		out = append(out, word[:]...)
	}

	return out
}

// Linux x86-64 syscall numbers used by the payload.
const (
	sysOpen  = 2
	sysClose = 3
	sysLseek = 8
	sysDup2  = 33
	sysFcntl = 72
	fGetFl   = 3
	seekCur  = 1 // SEEK_SET is the zeroed rdx
)

// buildPayload emits the self-contained victim payload for the given load
// address: the data blob (packed case array followed by the NUL-separated
// string table) and, right after it, the machine code that walks it. The
// returned entry offset points at the first instruction.
//
// Register use inside the payload:
//
//	r15 - byte offset of the current case
//	r14 - address of the case array
//	r13 - byte length of the case array
//	r12 - address of the string table
//	rbx - scratch: remembered open flags, then the reopened fd
//	r9  - scratch: remembered file offset
//
// Per case the payload performs fcntl(F_GETFL), lseek(SEEK_CUR), open,
// lseek(SEEK_SET), dup2, close. A failed open yields a negative fd, which
// makes the remaining syscalls of that case fail with EBADF and leaves the
// original descriptor untouched; that is the documented best-effort
// behavior. The payload never touches the stack, so it runs safely on a
// zeroed register file, and it ends in a debug trap.
func buildPayload(loadAddr uint64, cases []ReplaceCase, paths []byte) (uint64, []byte) {

	caseBytes := encodeCases(cases)

	data := make([]byte, 0, len(caseBytes)+len(paths))
	data = append(data, caseBytes...)
	data = append(data, paths...)

	casesAddr := loadAddr
	pathsAddr := loadAddr + uint64(len(caseBytes))

	a := &asm{}

	// xor r15, r15
	a.raw(0x4d, 0x31, 0xff)
	// movabs r14, casesAddr
	a.raw(0x49, 0xbe)
	a.imm64(casesAddr)
	// movabs r13, len(caseBytes)
	a.raw(0x49, 0xbd)
	a.imm64(uint64(len(caseBytes)))
	// movabs r12, pathsAddr
	a.raw(0x49, 0xbc)
	a.imm64(pathsAddr)

	check := a.pos()
	// cmp r15, r13
	a.raw(0x4d, 0x39, 0xef)
	// jae end (patched)
	jae := a.jcc32(0x83)

	// mov rdi, [r14 + r15]                     ; fd
	a.raw(0x4b, 0x8b, 0x3c, 0x3e)
	// fcntl(fd, F_GETFL, 0)
	a.movRaxImm(sysFcntl)
	a.movRsiImm(fGetFl)
	a.xorRdx()
	a.syscall()
	// mov rbx, rax                             ; flags
	a.raw(0x48, 0x89, 0xc3)

	// lseek(fd, 0, SEEK_CUR) - rdi still holds the fd
	a.movRaxImm(sysLseek)
	// xor rsi, rsi
	a.raw(0x48, 0x31, 0xf6)
	a.movRdxImm(seekCur)
	a.syscall()
	// mov r9, rax                              ; remembered offset
	a.raw(0x49, 0x89, 0xc1)

	// open(paths + case.offset, flags, 0)
	a.movRaxImm(sysOpen)
	// mov rdi, r12
	a.raw(0x4c, 0x89, 0xe7)
	// add rdi, [r14 + r15 + 8]
	a.raw(0x4b, 0x03, 0x7c, 0x3e, 0x08)
	// mov rsi, rbx
	a.raw(0x48, 0x89, 0xde)
	a.xorRdx()
	a.syscall()
	// mov rbx, rax                             ; reopened fd
	a.raw(0x48, 0x89, 0xc3)

	// lseek(new fd, offset, SEEK_SET)
	a.movRaxImm(sysLseek)
	// mov rdi, rbx
	a.raw(0x48, 0x89, 0xdf)
	// mov rsi, r9
	a.raw(0x4c, 0x89, 0xce)
	a.xorRdx()
	a.syscall()

	// dup2(new fd, fd)
	a.movRaxImm(sysDup2)
	// mov rdi, rbx
	a.raw(0x48, 0x89, 0xdf)
	// mov rsi, [r14 + r15]
	a.raw(0x4b, 0x8b, 0x34, 0x3e)
	a.syscall()

	// close(new fd)
	a.movRaxImm(sysClose)
	// mov rdi, rbx
	a.raw(0x48, 0x89, 0xdf)
	a.syscall()

	// add r15, replaceCaseSize
	a.raw(0x49, 0x83, 0xc7, replaceCaseSize)
	// jmp check
	a.jmp32(check)

	end := a.pos()
	a.patch(jae, end)
	// int3
	a.raw(0xcc)

	entry := uint64(len(data))

	return entry, append(data, a.code...)
}

//
// asm is a minimal emitter for the fixed instruction repertoire above.
//
type asm struct {
	code []byte
}

func (a *asm) raw(bs ...byte) {
	a.code = append(a.code, bs...)
}

func (a *asm) imm64(v uint64) {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], v)
	a.code = append(a.code, word[:]...)
}

func (a *asm) imm32(v uint32) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], v)
	a.code = append(a.code, word[:]...)
}

func (a *asm) pos() int {
	return len(a.code)
}

func (a *asm) movRaxImm(v uint32) {
	a.raw(0x48, 0xc7, 0xc0)
	a.imm32(v)
}

func (a *asm) movRsiImm(v uint32) {
	a.raw(0x48, 0xc7, 0xc6)
	a.imm32(v)
}

func (a *asm) movRdxImm(v uint32) {
	a.raw(0x48, 0xc7, 0xc2)
	a.imm32(v)
}

func (a *asm) xorRdx() {
	a.raw(0x48, 0x31, 0xd2)
}

func (a *asm) syscall() {
	a.raw(0x0f, 0x05)
}

// jcc32 emits a rel32 conditional jump (0x0f cc) with a zero displacement
// and returns the position to patch.
func (a *asm) jcc32(cc byte) int {
	a.raw(0x0f, cc)
	fixup := a.pos()
	a.imm32(0)
	return fixup
}

// jmp32 emits a rel32 unconditional jump to an already-emitted target.
func (a *asm) jmp32(target int) {
	a.raw(0xe9)
	rel := int32(target - (a.pos() + 4))
	a.imm32(uint32(rel))
}

// patch resolves a forward jump recorded by jcc32.
func (a *asm) patch(fixup int, target int) {
	rel := int32(target - (fixup + 4))
	binary.LittleEndian.PutUint32(a.code[fixup:fixup+4], uint32(rel))
}
