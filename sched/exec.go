package sched

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/lumenos/core/mem"
	"github.com/lumenos/core/platform"
	"github.com/pkg/errors"
)

// ExecveMemory builds a new user process from a statically linked ELF image
// already sitting in memory, the way the boot path starts the router. The
// loadable segments are mapped into a fresh address space, the argument and
// environment vectors are laid out, and the main thread is enqueued.
// Returns the new PID.
func ExecveMemory(image []byte, argv, envp []string) (int, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, errors.Wrap(err, "not an executable image")
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 {
		return 0, errors.New("only 64-bit executables are supported")
	}
	if f.Type != elf.ET_EXEC {
		return 0, errors.New("image is not statically linked")
	}

	mu.Lock()
	pid := processCreateLocked()
	if pid == 0 {
		mu.Unlock()
		return 0, errors.New("out of pids")
	}
	p := processTable[pid]
	p.Parent = kernelPid
	if len(argv) > 0 {
		p.Name = argv[0]
	}

	t := &Thread{
		Tid:           pid,
		Pid:           pid,
		Priority:      PriorityNormal,
		Status:        ThreadBlocked,
		Context:       &platform.Context{},
		SignalContext: &platform.Context{},
		handlers:      map[int]uint64{},
	}
	if err := machine.CreateContext(t.Context, platform.ContextUser, 0, 0); err != nil {
		delete(processTable, pid)
		mu.Unlock()
		return 0, errors.Wrap(err, "creating user context")
	}
	mu.Unlock()

	highest, err := loadSegments(t, f)
	if err != nil {
		machine.CleanThread(t.Context)
		mu.Lock()
		delete(processTable, pid)
		mu.Unlock()
		return 0, err
	}

	newHighest, tramp, err := machine.SetContext(t.Context, f.Entry, highest, argv, envp)
	if err != nil {
		machine.CleanThread(t.Context)
		mu.Lock()
		delete(processTable, pid)
		mu.Unlock()
		return 0, errors.Wrap(err, "finishing user context")
	}
	t.Highest = newHighest
	t.Trampoline = tramp

	mu.Lock()
	threadTable[pid] = t
	p.Threads = []int{pid}
	Processes++
	Threads++
	AdjustTimeslice()
	t.Time = Timeslice(t, t.Priority)
	setStateLocked(t, ThreadQueued)
	mu.Unlock()
	return pid, nil
}

func loadSegments(t *Thread, f *elf.File) (uint64, error) {
	root := t.Context.CR3
	highest := uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Vaddr+prog.Memsz > platform.UserLimit {
			return 0, errors.Errorf("segment 0x%x out of user space", prog.Vaddr)
		}
		start := prog.Vaddr &^ uint64(platform.PageSize-1)
		end := (prog.Vaddr + prog.Memsz + platform.PageSize - 1) &^ uint64(platform.PageSize-1)
		flags := uint64(mem.VmUser)
		if prog.Flags&elf.PF_W != 0 {
			flags |= mem.VmWrite
		}
		for virt := start; virt < end; virt += platform.PageSize {
			if _, _, mapped := machine.Translate(root, virt); mapped {
				continue
			}
			phys := machine.Alloc.PageAlloc()
			if phys == 0 {
				return 0, errors.New("out of memory for segment")
			}
			if s, perr := machine.PhysSlice(phys, platform.PageSize); perr == nil {
				for i := range s {
					s[i] = 0
				}
			}
			// segments stay writable; the copy below needs it and the
			// loader does not enforce read-only text
			if err := machine.MapPage(root, virt, phys, platform.PagePresent|flags|mem.VmWrite); err != nil {
				machine.Alloc.PageFree(phys)
				return 0, err
			}
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return 0, errors.Wrap(err, "reading segment")
		}
		if err := machine.WriteVirt(root, prog.Vaddr, data); err != nil {
			return 0, errors.Wrap(err, "copying segment")
		}
		if end > highest {
			highest = end
		}
		t.Pages += int((end - start) / platform.PageSize)
	}
	if highest == 0 {
		return 0, errors.New("image has no loadable segments")
	}
	return highest, nil
}
