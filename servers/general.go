package servers

import (
	"bytes"

	"github.com/lumenos/core/klog"
	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/mem"
	"github.com/lumenos/core/platform"
	"github.com/lumenos/core/sched"
	"github.com/lumenos/core/socket"
)

// handleGeneralRequest dispatches a kernel-intrinsic request from a server.
// Only the router and its immediate children may issue these; anything else
// is dropped silently, a security boundary rather than an error.
func handleGeneralRequest(sd int, hdr *MessageHeader, data []byte) {
	if hdr.Response != 0 || hdr.Requester == 0 || hdr.Length < HeaderSize {
		return
	}
	t := sched.GetThread(int(hdr.Requester))
	if t == nil {
		return
	}
	lumen := sched.LumenPid()
	if int(hdr.Requester) != lumen {
		p := sched.GetProcess(t.Pid)
		if p == nil || p.Parent != lumen {
			return
		}
	}

	switch hdr.Command {
	case CmdLog:
		handleLog(data)
	case CmdSysinfo:
		handleSysinfo(sd, hdr)
	case CmdFramebuffer:
		handleFramebuffer(sd, hdr, t)
	default:
		klog.Warnf("server", "unhandled general request 0x%02X, dropping", hdr.Command)
	}
}

func handleLog(data []byte) {
	var cmd LogCommand
	if err := Unpack(data, &cmd); err != nil {
		return
	}
	src := string(bytes.TrimRight(cmd.Server, "\x00"))
	text := string(bytes.TrimRight(cmd.Text, "\x00"))
	switch {
	case cmd.Level >= klog.LevelError:
		klog.Errorf(src, "%s", text)
	case cmd.Level == klog.LevelWarning:
		klog.Warnf(src, "%s", text)
	default:
		klog.Debugf(src, "%s", text)
	}
}

func handleSysinfo(sd int, hdr *MessageHeader) {
	var st mem.Status
	if pmm != nil {
		pmm.ReadStatus(&st)
	}
	resp := &SysinfoResponse{
		MessageHeader: *hdr,
		Uptime:        machine.Uptime(),
		MaxPid:        limits.MaxPid,
		MaxSockets:    limits.MaxSockets,
		Processes:     int32(sched.Processes),
		Threads:       int32(sched.Threads),
		PageSize:      platform.PageSize,
		MemorySize:    int32(st.UsablePages),
		MemoryUsage:   int32(st.UsedPages),
	}
	resp.Response = 1
	reply(sd, resp)
}

// handleFramebuffer maps the boot framebuffer into the requester's address
// space and answers with the user virtual address and geometry.
func handleFramebuffer(sd int, hdr *MessageHeader, t *sched.Thread) {
	resp := &FramebufferResponse{MessageHeader: *hdr}
	resp.Response = 1

	fb, ok := machine.GetFramebuffer()
	if !ok {
		resp.Status = -1
		reply(sd, resp)
		return
	}

	pages := int((fb.Size + platform.PageSize - 1) / platform.PageSize)
	root := t.Context.CR3

	// find a free window; the frames are the framebuffer's own, so this is
	// a plain mapping rather than an allocation
	base := uint64(0)
	run := 0
	for virt := uint64(platform.UserMMIOBase); virt < platform.UserLimit; virt += platform.PageSize {
		if _, _, mapped := machine.Translate(root, virt); mapped {
			run = 0
			continue
		}
		if run == 0 {
			base = virt
		}
		run++
		if run == pages {
			break
		}
	}
	if run != pages {
		resp.Status = -1
		reply(sd, resp)
		return
	}
	for i := 0; i < pages; i++ {
		if err := machine.MapPage(root, base+uint64(i)*platform.PageSize, fb.Phys+uint64(i)*platform.PageSize,
			platform.PagePresent|platform.PageUser|platform.PageWrite); err != nil {
			resp.Status = -1
			reply(sd, resp)
			return
		}
	}

	resp.Buffer = base
	resp.W = fb.W
	resp.H = fb.H
	resp.Pitch = fb.Pitch
	resp.Bpp = fb.BitsPerPixel
	reply(sd, resp)
}

func reply(sd int, cmd Command) {
	data, err := Pack(cmd)
	if err != nil {
		klog.Warnf("server", "failed to pack reply 0x%02X: %v", cmd.Hdr().Command, err)
		return
	}
	socket.Send(nil, sd, data, 0)
}
