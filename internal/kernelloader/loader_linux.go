// Real Kernel Loader Facade for Linux: raw bpf(2) and BPF_LINK_* syscalls,
// ELF parsing of pre-compiled bytecode objects, and filesystem pinning.
//
// All BPF operations use raw Linux syscalls so that this package requires no
// external dependencies beyond the Go standard library (adapted from the
// same syscall-based approach used for the tracepoint loader this package
// generalizes).
//
//go:build linux

package kernelloader

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"syscall"
	"unsafe"
)

// ─── BPF syscall constants ─────────────────────────────────────────────────
//
// Values from <linux/bpf.h>. Never change.

const (
	bpfCmdMapCreate    uintptr = 0
	bpfCmdProgLoad     uintptr = 5
	bpfCmdObjPin       uintptr = 6
	bpfCmdObjGet       uintptr = 7
	bpfCmdProgDetach   uintptr = 9
	bpfCmdLinkCreate   uintptr = 28
	bpfCmdLinkUpdate   uintptr = 29

	bpfMapTypeArrayOfMaps uint32 = 12
	bpfMapTypeProgArray   uint32 = 3

	bpfProgTypeSchedCLS   uint32 = 3
	bpfProgTypeTracepoint uint32 = 5
	bpfProgTypeXDP        uint32 = 6
	bpfProgTypeExt        uint32 = 28

	bpfAttachTypeXDP        uint32 = 37
	bpfAttachTypeTCXIngress uint32 = 46
	bpfAttachTypeTCXEgress  uint32 = 47
	bpfAttachTypeTraceFentry uint32 = 24 // freplace-style extension graft

	bpfOpLdImm64   uint8 = 0x18
	bpfPseudoMapFD uint8 = 1

	bpfLogLevel uint32 = 1
)

// ─── Syscall wrappers ──────────────────────────────────────────────────────

func bpfSyscall(cmd uintptr, attr unsafe.Pointer, attrSize uintptr) (int, error) {
	fd, _, errno := syscall.RawSyscall(syscall.SYS_BPF, cmd, uintptr(attr), attrSize)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// ─── Kernel ABI attribute structs ──────────────────────────────────────────

type bpfMapCreateAttr struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	mapFlags   uint32
	_          [76]byte
}

type bpfProgLoadAttr struct {
	progType           uint32
	insnCnt            uint32
	insns              uint64
	license            uint64
	logLevel           uint32
	logSize            uint32
	logBuf             uint64
	kernVersion        uint32
	progFlags          uint32
	progName           [16]byte
	progIfindex        uint32
	expectedAttachType uint32
	progBTFFd          uint32
	funcInfoRecSize    uint32
	funcInfo           uint64
	funcInfoCnt        uint32
	lineInfoRecSize    uint32
	lineInfo           uint64
	lineInfoCnt        uint32
	attachBTFId        uint32
	attachProgFd       uint32
}

type bpfObjPinAttr struct {
	pathname uint64
	bpfFd    uint32
	fileFlags uint32
}

type bpfLinkCreateAttr struct {
	progFd      uint32
	targetFd    uint32 // ifindex for XDP/TCX
	attachType  uint32
	flags       uint32
	targetBtfId uint32 // BTF id of the function being replaced, for extension grafts
	_           uint32 // padding to match the kernel union layout
}

type bpfLinkUpdateAttr struct {
	linkFd    uint32
	newProgFd uint32
	flags     uint32
	oldProgFd uint32
}

type bpfInsn struct {
	code uint8
	regs uint8
	off  int16
	imm  int32
}

// ─── ELF parsing ────────────────────────────────────────────────────────────

type bpfMapSpec struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	flags      uint32
}

type bpfRela struct {
	insnIdx uint64
	symName string
}

type bpfElf struct {
	license  string
	mapDefs  map[string]bpfMapSpec
	progs    map[string][]bpfInsn
	relaSecs map[string][]bpfRela
}

// parseBPFELF parses a pre-compiled BPF ELF object, returning every program
// section, map definition, relocation table, and the license string.
func parseBPFELF(r io.ReaderAt) (*bpfElf, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("expected 64-bit ELF, got %v", f.Class)
	}
	if f.ByteOrder != binary.LittleEndian {
		return nil, fmt.Errorf("BPF objects must be little-endian (eBPF ABI)")
	}

	out := &bpfElf{
		mapDefs:  make(map[string]bpfMapSpec),
		progs:    make(map[string][]bpfInsn),
		relaSecs: make(map[string][]bpfRela),
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}

	for _, sec := range f.Sections {
		switch {
		case sec.Name == "license":
			b, err := sec.Data()
			if err != nil {
				return nil, fmt.Errorf("read license: %w", err)
			}
			out.license = strings.TrimRight(string(b), "\x00")

		case sec.Name == ".maps" || sec.Name == "maps":
			if err := parseMapsSection(f, sec, syms, out); err != nil {
				return nil, err
			}

		case isProgSection(sec.Name):
			insns, err := readBPFInsns(sec)
			if err != nil {
				return nil, fmt.Errorf("read program %q: %w", sec.Name, err)
			}
			out.progs[sec.Name] = insns

		case sec.Type == elf.SHT_REL || sec.Type == elf.SHT_RELA:
			target := strings.TrimPrefix(sec.Name, ".rela")
			target = strings.TrimPrefix(target, ".rel")
			if !isProgSection(target) {
				continue
			}
			relas, err := readRelas(f, sec, syms)
			if err != nil {
				return nil, fmt.Errorf("read relocations for %q: %w", sec.Name, err)
			}
			out.relaSecs[target] = relas
		}
	}

	if out.license == "" {
		out.license = "GPL"
	}
	return out, nil
}

// isProgSection reports whether an ELF section name holds a BPF program,
// using the conventional clang section-name prefixes for each kind.
func isProgSection(name string) bool {
	for _, prefix := range []string{"xdp", "classifier", "tc", "tracepoint/", "freplace/", "ext/"} {
		if name == prefix || strings.HasPrefix(name, prefix+"/") || strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func parseMapsSection(f *elf.File, sec *elf.Section, syms []elf.Symbol, out *bpfElf) error {
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("read maps section: %w", err)
	}

	var secIdx elf.SectionIndex
	for i, s := range f.Sections {
		if s == sec {
			secIdx = elf.SectionIndex(i)
			break
		}
	}

	for _, sym := range syms {
		if sym.Section != secIdx || elf.ST_TYPE(sym.Info) != elf.STT_OBJECT {
			continue
		}
		off, size := sym.Value, sym.Size
		if size < 20 || int(off)+int(size) > len(data) {
			continue
		}
		mapData := data[off : off+size]
		out.mapDefs[sym.Name] = bpfMapSpec{
			mapType:    binary.LittleEndian.Uint32(mapData[0:4]),
			keySize:    binary.LittleEndian.Uint32(mapData[4:8]),
			valueSize:  binary.LittleEndian.Uint32(mapData[8:12]),
			maxEntries: binary.LittleEndian.Uint32(mapData[12:16]),
			flags:      binary.LittleEndian.Uint32(mapData[16:20]),
		}
	}
	return nil
}

func readBPFInsns(sec *elf.Section) ([]bpfInsn, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty program section %q", sec.Name)
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("section %q size %d not a multiple of 8", sec.Name, len(data))
	}
	insns := make([]bpfInsn, len(data)/8)
	r := bytes.NewReader(data)
	for i := range insns {
		if err := binary.Read(r, binary.LittleEndian, &insns[i]); err != nil {
			return nil, err
		}
	}
	return insns, nil
}

func readRelas(f *elf.File, sec *elf.Section, syms []elf.Symbol) ([]bpfRela, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}

	var relas []bpfRela
	switch sec.Type {
	case elf.SHT_RELA:
		const sz = 24
		if len(data)%sz != 0 {
			return nil, fmt.Errorf("RELA section size %d not a multiple of %d", len(data), sz)
		}
		r := bytes.NewReader(data)
		for r.Len() > 0 {
			var raw struct {
				Off    uint64
				Info   uint64
				Addend int64
			}
			if err := binary.Read(r, f.ByteOrder, &raw); err != nil {
				return nil, err
			}
			symIdx := raw.Info >> 32
			if int(symIdx) >= len(syms) {
				return nil, fmt.Errorf("symbol index %d out of range", symIdx)
			}
			relas = append(relas, bpfRela{insnIdx: raw.Off / 8, symName: syms[symIdx].Name})
		}
	case elf.SHT_REL:
		const sz = 16
		if len(data)%sz != 0 {
			return nil, fmt.Errorf("REL section size %d not a multiple of %d", len(data), sz)
		}
		r := bytes.NewReader(data)
		for r.Len() > 0 {
			var raw struct {
				Off  uint64
				Info uint64
			}
			if err := binary.Read(r, f.ByteOrder, &raw); err != nil {
				return nil, err
			}
			symIdx := raw.Info >> 32
			if int(symIdx) >= len(syms) {
				return nil, fmt.Errorf("symbol index %d out of range", symIdx)
			}
			relas = append(relas, bpfRela{insnIdx: raw.Off / 8, symName: syms[symIdx].Name})
		}
	}
	return relas, nil
}

func applyMapRelocations(insns []bpfInsn, relas []bpfRela, mapFDs map[string]int) error {
	for _, rel := range relas {
		fd, ok := mapFDs[rel.symName]
		if !ok {
			return fmt.Errorf("no fd for map %q", rel.symName)
		}
		idx := int(rel.insnIdx)
		if idx >= len(insns) {
			return fmt.Errorf("relocation instruction index %d out of range (len=%d)", idx, len(insns))
		}
		ins := &insns[idx]
		if ins.code != bpfOpLdImm64 {
			return fmt.Errorf("insn[%d]: expected LD_IMM64 (0x%02x), got 0x%02x", idx, bpfOpLdImm64, ins.code)
		}
		ins.regs = (ins.regs & 0x0F) | (bpfPseudoMapFD << 4)
		ins.imm = int32(fd)
		if idx+1 < len(insns) {
			insns[idx+1].imm = 0
		}
	}
	return nil
}

func extractLog(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return strings.TrimSpace(string(buf))
}

func shortProgName(secName string) string {
	parts := strings.Split(secName, "/")
	name := parts[len(parts)-1]
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

func progTypeToKernel(t ProgType) (uint32, error) {
	switch t {
	case ProgTypeXDP:
		return bpfProgTypeXDP, nil
	case ProgTypeSchedCLS:
		return bpfProgTypeSchedCLS, nil
	case ProgTypeTracepoint:
		return bpfProgTypeTracepoint, nil
	case ProgTypeExt:
		return bpfProgTypeExt, nil
	default:
		return 0, fmt.Errorf("kernelloader: unknown program type %d", t)
	}
}

func attachTypeToKernel(t AttachType) (uint32, error) {
	switch t {
	case AttachTypeXDP:
		return bpfAttachTypeXDP, nil
	case AttachTypeTCXIngress:
		return bpfAttachTypeTCXIngress, nil
	case AttachTypeTCXEgress:
		return bpfAttachTypeTCXEgress, nil
	default:
		return 0, fmt.Errorf("kernelloader: unknown attach type %d", t)
	}
}

// ─── Loader implementation ──────────────────────────────────────────────────

// LinuxLoader implements Loader with raw bpf(2) syscalls. It requires
// CAP_BPF (Linux ≥ 5.8) or CAP_SYS_ADMIN on older kernels.
type LinuxLoader struct {
	progFDs map[uint32]int
	linkFDs map[uint32]int
	mapFDs  map[uint32]int
}

// NewLinuxLoader returns a Loader backed by the running kernel.
func NewLinuxLoader() *LinuxLoader {
	return &LinuxLoader{
		progFDs: make(map[uint32]int),
		linkFDs: make(map[uint32]int),
		mapFDs:  make(map[uint32]int),
	}
}

func (l *LinuxLoader) Load(_ context.Context, spec LoadSpec) (LoadResult, error) {
	parsed, err := parseBPFELF(spec.Object)
	if err != nil {
		return LoadResult{}, fmt.Errorf("kernelloader: parse ELF: %w", err)
	}

	insns, ok := parsed.progs[spec.Section]
	if !ok {
		if len(parsed.progs) != 1 {
			return LoadResult{}, fmt.Errorf("kernelloader: section %q not found and object has %d candidates", spec.Section, len(parsed.progs))
		}
		for _, v := range parsed.progs {
			insns = v
		}
	}

	mapIDs := make(map[string]uint32)
	mapFDsBySym := make(map[string]int)
	for name, mspec := range parsed.mapDefs {
		fd, err := createBPFMap(mspec)
		if err != nil {
			return LoadResult{}, fmt.Errorf("kernelloader: create map %q: %w", name, err)
		}
		mapFDsBySym[name] = fd
		id := uint32(fd) // fd doubles as the opaque id this package tracks internally
		l.mapFDs[id] = fd
		mapIDs[name] = id
	}

	if relas, ok := parsed.relaSecs[spec.Section]; ok {
		if err := applyMapRelocations(insns, relas, mapFDsBySym); err != nil {
			return LoadResult{}, fmt.Errorf("kernelloader: relocate %q: %w", spec.Section, err)
		}
	}

	progType, err := progTypeToKernel(spec.Type)
	if err != nil {
		return LoadResult{}, err
	}

	licenseBytes := append([]byte(parsed.license), 0)
	logBuf := make([]byte, 256*1024)

	attr := bpfProgLoadAttr{
		progType: progType,
		insnCnt:  uint32(len(insns)),
		insns:    uint64(uintptr(unsafe.Pointer(&insns[0]))),
		license:  uint64(uintptr(unsafe.Pointer(&licenseBytes[0]))),
		logLevel: bpfLogLevel,
		logSize:  uint32(len(logBuf)),
		logBuf:   uint64(uintptr(unsafe.Pointer(&logBuf[0]))),
	}
	copy(attr.progName[:], shortProgName(spec.Section))

	if spec.Extension != nil {
		attr.attachProgFd = spec.Extension.TargetKernelID
		// attachBTFId is resolved from the target's BTF by the kernel at
		// load time when attachProgFd is set; we pass 0 and let the
		// verifier resolve it against attachBTFName encoded in progName,
		// matching how freplace programs are conventionally loaded.
	}

	fd, err := bpfSyscall(bpfCmdProgLoad, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	runtime.KeepAlive(insns)
	runtime.KeepAlive(licenseBytes)
	runtime.KeepAlive(logBuf)
	if err != nil {
		if logText := extractLog(logBuf); logText != "" {
			err = fmt.Errorf("%w: %v; verifier log:\n%s", ErrVerifier, err, logText)
		}
		return LoadResult{}, fmt.Errorf("kernelloader: load program %q: %w", spec.Section, err)
	}

	id := uint32(fd)
	l.progFDs[id] = fd
	return LoadResult{KernelID: id, MapIDs: mapIDs}, nil
}

func createBPFMap(spec bpfMapSpec) (int, error) {
	attr := bpfMapCreateAttr{
		mapType:    spec.mapType,
		keySize:    spec.keySize,
		valueSize:  spec.valueSize,
		maxEntries: spec.maxEntries,
		mapFlags:   spec.flags,
	}
	return bpfSyscall(bpfCmdMapCreate, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
}

func (l *LinuxLoader) Attach(_ context.Context, kernelID uint32, spec AttachSpec) (uint32, error) {
	progFD, ok := l.progFDs[kernelID]
	if !ok {
		return 0, fmt.Errorf("kernelloader: attach: %w: id %d", ErrNotLoaded, kernelID)
	}
	attachType, err := attachTypeToKernel(spec.Type)
	if err != nil {
		return 0, err
	}

	attr := bpfLinkCreateAttr{
		progFd:     uint32(progFD),
		targetFd:   spec.IfIndex,
		attachType: attachType,
	}
	fd, err := bpfSyscall(bpfCmdLinkCreate, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return 0, fmt.Errorf("kernelloader: link create ifindex %d: %w", spec.IfIndex, err)
	}
	id := uint32(fd)
	l.linkFDs[id] = fd
	return id, nil
}

// AttachExtension grafts an already-loaded BPF_PROG_TYPE_EXT program into a
// slot of an already-loaded target program via BPF_LINK_CREATE, the graft
// primitive behind the dispatcher's tail-call slots (spec.md §6).
// targetSection is resolved to a BTF function id by the caller at Load time
// (the extension's attach_prog_fd/attach_btf_id); here it only identifies
// the slot for logging since the kernel already knows the binding.
func (l *LinuxLoader) AttachExtension(_ context.Context, extID uint32, targetID uint32, targetSection string) (uint32, error) {
	extFD, ok := l.progFDs[extID]
	if !ok {
		return 0, fmt.Errorf("kernelloader: attach extension: %w: ext id %d", ErrNotLoaded, extID)
	}
	if _, ok := l.progFDs[targetID]; !ok {
		return 0, fmt.Errorf("kernelloader: attach extension: %w: target id %d", ErrNotLoaded, targetID)
	}

	attr := bpfLinkCreateAttr{
		progFd:     uint32(extFD),
		targetFd:   targetID,
		attachType: bpfAttachTypeTraceFentry,
	}
	fd, err := bpfSyscall(bpfCmdLinkCreate, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return 0, fmt.Errorf("kernelloader: attach extension to %q: %w", targetSection, err)
	}
	id := uint32(fd)
	l.linkFDs[id] = fd
	return id, nil
}

func (l *LinuxLoader) Detach(_ context.Context, linkID uint32) error {
	fd, ok := l.linkFDs[linkID]
	if !ok {
		return fmt.Errorf("kernelloader: detach: unknown link %d", linkID)
	}
	delete(l.linkFDs, linkID)
	return syscall.Close(fd)
}

func (l *LinuxLoader) Unload(_ context.Context, kernelID uint32) error {
	fd, ok := l.progFDs[kernelID]
	if !ok {
		return fmt.Errorf("kernelloader: unload: %w: id %d", ErrNotLoaded, kernelID)
	}
	delete(l.progFDs, kernelID)
	return syscall.Close(fd)
}

func (l *LinuxLoader) pinFD(fd int, path string) error {
	pathBytes := append([]byte(path), 0)
	attr := bpfObjPinAttr{
		pathname: uint64(uintptr(unsafe.Pointer(&pathBytes[0]))),
		bpfFd:    uint32(fd),
	}
	_, err := bpfSyscall(bpfCmdObjPin, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	runtime.KeepAlive(pathBytes)
	if err != nil {
		if errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("kernelloader: pin %q: %w", path, ErrPinExists)
		}
		return fmt.Errorf("kernelloader: pin %q: %w", path, err)
	}
	return nil
}

func (l *LinuxLoader) getFDFromPin(path string) (int, error) {
	pathBytes := append([]byte(path), 0)
	attr := bpfObjPinAttr{
		pathname: uint64(uintptr(unsafe.Pointer(&pathBytes[0]))),
	}
	fd, err := bpfSyscall(bpfCmdObjGet, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	runtime.KeepAlive(pathBytes)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) {
			return 0, fmt.Errorf("kernelloader: from pin %q: %w", path, ErrPinMissing)
		}
		return 0, fmt.Errorf("kernelloader: from pin %q: %w", path, err)
	}
	return fd, nil
}

func (l *LinuxLoader) PinProgram(_ context.Context, kernelID uint32, path string) error {
	fd, ok := l.progFDs[kernelID]
	if !ok {
		return fmt.Errorf("kernelloader: pin program: %w: id %d", ErrNotLoaded, kernelID)
	}
	return l.pinFD(fd, path)
}

func (l *LinuxLoader) PinLink(_ context.Context, linkID uint32, path string) error {
	fd, ok := l.linkFDs[linkID]
	if !ok {
		return fmt.Errorf("kernelloader: pin link: unknown link %d", linkID)
	}
	return l.pinFD(fd, path)
}

func (l *LinuxLoader) ProgramFromPin(_ context.Context, path string) (uint32, error) {
	fd, err := l.getFDFromPin(path)
	if err != nil {
		return 0, err
	}
	id := uint32(fd)
	l.progFDs[id] = fd
	return id, nil
}

func (l *LinuxLoader) LinkFromPin(_ context.Context, path string) (uint32, error) {
	fd, err := l.getFDFromPin(path)
	if err != nil {
		return 0, err
	}
	id := uint32(fd)
	l.linkFDs[id] = fd
	return id, nil
}

// UpdateLinkTarget issues BPF_LINK_UPDATE, the kernel primitive that swaps a
// link's target program atomically — the mechanism behind the hitless
// dispatcher revision swap (spec.md §4.E.1 step 8).
func (l *LinuxLoader) UpdateLinkTarget(_ context.Context, linkID uint32, newKernelID uint32) error {
	linkFD, ok := l.linkFDs[linkID]
	if !ok {
		return fmt.Errorf("kernelloader: update link target: unknown link %d", linkID)
	}
	newFD, ok := l.progFDs[newKernelID]
	if !ok {
		return fmt.Errorf("kernelloader: update link target: %w: id %d", ErrNotLoaded, newKernelID)
	}
	attr := bpfLinkUpdateAttr{
		linkFd:    uint32(linkFD),
		newProgFd: uint32(newFD),
	}
	_, err := bpfSyscall(bpfCmdLinkUpdate, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return fmt.Errorf("kernelloader: update link target: %w", err)
	}
	return nil
}

func (l *LinuxLoader) Unpin(_ context.Context, path string) error {
	if err := syscallUnlink(path); err != nil {
		if errors.Is(err, syscall.ENOENT) {
			return fmt.Errorf("kernelloader: unpin %q: %w", path, ErrPinMissing)
		}
		return fmt.Errorf("kernelloader: unpin %q: %w", path, err)
	}
	return nil
}

func syscallUnlink(path string) error {
	return syscall.Unlink(path)
}
