package syscalls

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/lunixbochs/argjoy"
	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/platform"
	"github.com/lumenos/core/sched"
	"github.com/pkg/errors"
)

// Typed views of raw syscall parameters. The dispatcher coerces the four
// trap registers into whatever a handler's signature declares.
type (
	// Buf is an address in the requesting thread's space to read from.
	Buf struct {
		Addr uint64
		t    *sched.Thread
		m    *platform.Machine
	}
	// Obuf is an address in the requesting thread's space to write to.
	Obuf struct{ Buf }
	// Len is a byte count parameter.
	Len uint64
	// Fd is a descriptor index.
	Fd int32
)

// Read copies len(p) bytes out of the requester's memory.
func (b Buf) Read(p []byte) error {
	return b.m.ReadVirt(b.t.Context.CR3, b.Addr, p)
}

// ReadStr reads a NUL-terminated string.
func (b Buf) ReadStr() (string, error) {
	return b.m.ReadStrVirt(b.t.Context.CR3, b.Addr, limits.MaxPath)
}

// Write copies p into the requester's memory.
func (b Obuf) Write(p []byte) error {
	return b.m.WriteVirt(b.t.Context.CR3, b.Addr, p)
}

// Kernel carries the handler methods. Every exported method whose first
// parameter is *sched.Thread becomes a syscall, named by folding CamelCase
// to snake case; the function-number table in numbers.go binds numbers to
// those names.
type Kernel struct {
	m *platform.Machine
}

// Syscall is one dispatch table slot.
type Syscall struct {
	Name     string
	Instance reflect.Value
	Method   reflect.Method
	In       []reflect.Type
}

// Dispatcher owns the dispatch table and the argument codec.
type Dispatcher struct {
	m        *platform.Machine
	kernel   *Kernel
	Argjoy   argjoy.Argjoy
	syscalls map[string]*Syscall
	table    [MaxSyscall + 1]*Syscall
}

var dispatcher *Dispatcher

// Init builds the dispatcher for a machine and registers the trap entry.
func Init(m *platform.Machine) *Dispatcher {
	d := &Dispatcher{
		m:        m,
		kernel:   &Kernel{m: m},
		syscalls: make(map[string]*Syscall),
	}
	d.Argjoy.Register(argjoy.IntToInt)
	d.scanMethods()
	for fn, name := range names {
		s, ok := d.syscalls[name]
		if !ok {
			panic(errors.Errorf("syscall %d (%s) has no handler method", fn, name))
		}
		d.table[fn] = s
	}
	dispatcher = d
	m.OnTrap(d.Handle)
	return d
}

// Get returns the live dispatcher.
func Get() *Dispatcher { return dispatcher }

// camelToSnakeCase folds a Go method name into its syscall name: an
// underscore before every upper-case rune after the first, everything
// lowered.
func camelToSnakeCase(name string) string {
	var b strings.Builder
	for i, c := range name {
		if unicode.IsUpper(c) {
			if i > 0 {
				b.WriteByte('_')
			}
			c = unicode.ToLower(c)
		}
		b.WriteRune(c)
	}
	return b.String()
}

var threadType = reflect.TypeOf(&sched.Thread{})

func (d *Dispatcher) scanMethods() {
	instance := reflect.ValueOf(d.kernel)
	typ := instance.Type()
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type
		// a handler takes the requesting thread first
		if mt.NumIn() < 2 || mt.In(1) != threadType {
			continue
		}
		in := make([]reflect.Type, mt.NumIn()-2)
		for j := 2; j < mt.NumIn(); j++ {
			in[j-2] = mt.In(j)
		}
		if len(in) > 4 {
			continue // no room in the trap frame
		}
		name := camelToSnakeCase(method.Name)
		d.syscalls[name] = &Syscall{
			Name:     name,
			Instance: instance,
			Method:   method,
			In:       in,
		}
	}
}

func (d *Dispatcher) lookup(fn uint64) *Syscall {
	if fn > MaxSyscall {
		return nil
	}
	return d.table[fn]
}

// Name resolves a function number for diagnostics.
func Name(fn uint64) string {
	if n, ok := names[fn]; ok {
		return n
	}
	return "?"
}
