package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/lumenos/core/kernel"
	"github.com/lumenos/core/mem"
	"github.com/lumenos/core/platform"
	"github.com/lumenos/core/sched"
	"github.com/lumenos/core/socket"
)

var stateNames = map[int]string{
	sched.ThreadQueued:   "queued",
	sched.ThreadRunning:  "running",
	sched.ThreadBlocked:  "blocked",
	sched.ThreadZombie:   "zombie",
	sched.ThreadSleeping: "sleeping",
}

// runMonitor is a small inspection REPL over the live kernel.
func runMonitor(m *platform.Machine) {
	rl, err := readline.New("lux> ")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "ps":
			cmdPs()
		case "socks":
			cmdSocks()
		case "mem":
			cmdMem()
		case "peek":
			cmdPeek(m, args[1:])
		case "uptime":
			fmt.Printf("%d ms\n", m.Uptime())
		case "halt":
			m.Halt()
		case "quit", "exit":
			return
		case "help":
			fmt.Println("commands: ps, socks, mem, peek <phys> [len], uptime, halt, quit")
		default:
			fmt.Printf("unknown command %q, try help\n", args[0])
		}
	}
}

func cmdPs() {
	threads := sched.ThreadList()
	sort.Slice(threads, func(i, j int) bool { return threads[i].Tid < threads[j].Tid })
	fmt.Printf("%5s %5s %-9s %4s %5s\n", "TID", "PID", "STATE", "PRIO", "PAGES")
	for _, t := range threads {
		fmt.Printf("%5d %5d %-9s %4d %5d\n", t.Tid, t.Pid, stateNames[t.Status], t.Priority, t.Pages)
	}
	fmt.Printf("%d processes, %d threads, lumen pid %d\n", sched.Processes, sched.Threads, sched.LumenPid())
}

func cmdSocks() {
	fmt.Printf("%d sockets registered\n", socket.Count())
}

func cmdMem() {
	var st mem.Status
	if pmm := kernel.PMM(); pmm != nil {
		pmm.ReadStatus(&st)
	}
	fmt.Printf("usable %d pages, used %d, reserved %d, highest 0x%x\n",
		st.UsablePages, st.UsedPages, st.ReservedPages, st.HighestAddr)
}

func cmdPeek(m *platform.Machine, args []string) {
	if len(args) == 0 {
		fmt.Println("peek <physaddr> [len]")
		return
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
	if err != nil {
		fmt.Println(err)
		return
	}
	n := 64
	if len(args) > 1 {
		if v, err := strconv.Atoi(args[1]); err == nil {
			n = v
		}
	}
	buf := make([]byte, n)
	if err := m.PhysRead(addr, buf); err != nil {
		fmt.Println(err)
		return
	}
	for i := 0; i < len(buf); i += 16 {
		end := i + 16
		if end > len(buf) {
			end = len(buf)
		}
		fmt.Printf("%08x  % x\n", addr+uint64(i), buf[i:end])
	}
}
