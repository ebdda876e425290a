package syscalls

import (
	"reflect"

	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/sched"
)

var (
	bufType  = reflect.TypeOf(Buf{})
	obufType = reflect.TypeOf(Obuf{})
	lenType  = reflect.TypeOf(Len(0))
	fdType   = reflect.TypeOf(Fd(0))
	strType  = reflect.TypeOf("")
)

// Call invokes the handler behind a dispatch slot, coercing the raw trap
// parameters into the method's declared types. Returns the handler's result
// and whether the thread may be unblocked; a handler that returns a single
// value always unblocks.
func (d *Dispatcher) Call(s *Syscall, t *sched.Thread, params [4]uint64) (ret int64, unblock bool) {
	in := make([]reflect.Value, len(s.In)+2)
	in[0] = s.Instance
	in[1] = reflect.ValueOf(t)

	for i, typ := range s.In {
		raw := params[i]
		switch typ {
		case bufType:
			in[i+2] = reflect.ValueOf(Buf{Addr: raw, t: t, m: d.m})
		case obufType:
			in[i+2] = reflect.ValueOf(Obuf{Buf{Addr: raw, t: t, m: d.m}})
		case lenType:
			in[i+2] = reflect.ValueOf(Len(raw))
		case fdType:
			in[i+2] = reflect.ValueOf(Fd(raw))
		case strType:
			str, err := d.m.ReadStrVirt(t.Context.CR3, raw, 4096)
			if err != nil {
				return -kerr.EFAULT, true
			}
			in[i+2] = reflect.ValueOf(str)
		default:
			vals, err := d.Argjoy.Convert([]reflect.Type{typ}, false, []uint64{raw})
			if err != nil {
				return -kerr.EINVAL, true
			}
			in[i+2] = vals[0]
		}
	}

	out := s.Method.Func.Call(in)
	unblock = true
	if len(out) > 0 {
		ret = out[0].Int()
	}
	if len(out) > 1 {
		unblock = out[1].Bool()
	}
	return ret, unblock
}
