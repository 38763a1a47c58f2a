package handler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"warden/internal/logging"
)

// Entry points a handler script must define. "end" is a Lua keyword, so the
// terminal entry point is named finish.
var scriptEntryPoints = []string{"init", "start", "handle", "finish"}

// Script is a compiled Lua handler script.
type Script struct {
	path  string
	proto *lua.FunctionProto
}

// LoadScript reads and compiles path. Missing files wrap os.ErrNotExist;
// syntax errors wrap ErrInvalidScript.
func LoadScript(path string) (*Script, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer file.Close()

	chunk, err := parse.Parse(file, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidScript, path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidScript, path, err)
	}
	return &Script{path: path, proto: proto}, nil
}

// Path is the script file the handler was compiled from.
func (s *Script) Path() string { return s.path }

// Constructor binds the script to a handler name.
func (s *Script) Constructor(name string) Constructor {
	return func(p Process, args []string, host Host) (Handler, error) {
		h, err := NewScriptHandler(name, s, p, args, host)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// ScriptHandler runs a Lua script in its own sandboxed interpreter. Calls
// into the interpreter are serialized; End requested while another call is in
// flight runs finish as soon as that call returns.
type ScriptHandler struct {
	name   string
	script *Script
	proc   Process
	args   []string
	host   Host
	logger *slog.Logger

	mu       sync.Mutex
	L        *lua.LState
	ctx      context.Context
	tasks    []uint64
	boards   []string
	ending   atomic.Bool
	finished atomic.Bool
}

// NewScriptHandler creates the interpreter, runs the script body, checks the
// entry points and calls init.
func NewScriptHandler(name string, script *Script, p Process, args []string, host Host) (*ScriptHandler, error) {
	logger := host.Logger()
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &ScriptHandler{
		name:   name,
		script: script,
		proc:   p,
		args:   append([]string(nil), args...),
		host:   host,
		logger: logger.With(logging.String(logging.FieldHandler, name), logging.Int(logging.FieldPID, p.PID())),
		ctx:    context.Background(),
	}

	L, err := newSandbox()
	if err != nil {
		return nil, err
	}
	h.L = L
	L.SetGlobal("daemon", h.module())

	L.Push(L.NewFunctionFromProto(script.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidScript, script.path, err)
	}
	var missing []string
	for _, entry := range scriptEntryPoints {
		if _, ok := L.GetGlobal(entry).(*lua.LFunction); !ok {
			missing = append(missing, entry)
		}
	}
	if len(missing) > 0 {
		L.Close()
		return nil, fmt.Errorf("%w: %s: missing global functions %s", ErrInvalidScript, script.path, strings.Join(missing, ", "))
	}
	if err := h.call(context.Background(), "init", false); err != nil {
		L.Close()
		return nil, err
	}
	return h, nil
}

func newSandbox() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua library %s: %w", lib.name, err)
		}
	}
	for _, unsafe := range []string{"dofile", "loadfile", "load", "loadstring", "module", "require"} {
		L.SetGlobal(unsafe, lua.LNil)
	}
	return L, nil
}

func (h *ScriptHandler) Start(ctx context.Context) error {
	return h.enter(ctx, "start")
}

func (h *ScriptHandler) Handle(ctx context.Context) error {
	return h.enter(ctx, "handle")
}

// End runs finish once and closes the interpreter.
func (h *ScriptHandler) End() {
	h.ending.Store(true)
	if !h.mu.TryLock() {
		return
	}
	h.unlock()
}

func (h *ScriptHandler) enter(ctx context.Context, entry string) error {
	if h.ending.Load() {
		return nil
	}
	h.mu.Lock()
	defer h.unlock()
	if h.finished.Load() {
		return nil
	}
	return h.call(ctx, entry, true)
}

// unlock releases the interpreter, first running finish if End was requested.
func (h *ScriptHandler) unlock() {
	for {
		if h.ending.Load() && !h.finished.Load() {
			h.finish()
		}
		h.mu.Unlock()
		if !h.ending.Load() || h.finished.Load() || !h.mu.TryLock() {
			return
		}
	}
}

func (h *ScriptHandler) finish() {
	if err := h.call(context.Background(), "finish", true); err != nil {
		logging.WarnWithContext(h.logger, "handler finish failed", "handler_finish_failed", logging.Error(err))
	}
	for _, id := range h.tasks {
		h.host.RemoveTask(id)
	}
	h.tasks = nil
	hub := h.host.Boards()
	sub := hub.Subscriber(h.subscriberName())
	for _, name := range h.boards {
		sub.Unsubscribe(hub.Board(name))
	}
	h.boards = nil
	h.finished.Store(true)
	h.L.Close()
}

// call invokes a global entry point. Caller holds mu or owns the handler
// exclusively.
func (h *ScriptHandler) call(ctx context.Context, entry string, withProcess bool) error {
	fn, ok := h.L.GetGlobal(entry).(*lua.LFunction)
	if !ok {
		return fmt.Errorf("%w: %s: missing global function %s", ErrInvalidScript, h.script.path, entry)
	}
	h.ctx = ctx
	var params []lua.LValue
	if withProcess {
		params = []lua.LValue{h.processTable(), h.argsTable()}
	}
	if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, params...); err != nil {
		return fmt.Errorf("%s %s: %w", h.name, entry, err)
	}
	return nil
}

func (h *ScriptHandler) processTable() *lua.LTable {
	tbl := h.L.NewTable()
	tbl.RawSetString("pid", lua.LNumber(h.proc.PID()))
	tbl.RawSetString("path", lua.LString(h.proc.Path()))
	tbl.RawSetString("adopted", lua.LBool(h.proc.Adopted()))
	return tbl
}

func (h *ScriptHandler) argsTable() *lua.LTable {
	return stringsTable(h.L, h.args)
}

func (h *ScriptHandler) subscriberName() string {
	return h.name + "#" + strconv.Itoa(h.proc.PID())
}

// module builds the daemon table scripts use to reach daemon services.
func (h *ScriptHandler) module() *lua.LTable {
	return h.L.SetFuncs(h.L.NewTable(), map[string]lua.LGFunction{
		"command":         h.luaCommand,
		"command_async":   h.luaCommandAsync,
		"enqueue":         h.luaEnqueue,
		"retrieve":        h.luaRetrieve,
		"post":            h.luaPost,
		"subscribe":       h.luaSubscribe,
		"unsubscribe":     h.luaUnsubscribe,
		"next_message":    h.luaNextMessage,
		"register_task":   h.luaRegisterTask,
		"unregister_task": h.luaUnregisterTask,
		"log":             h.luaLog,
	})
}

func (h *ScriptHandler) luaCommand(L *lua.LState) int {
	args := checkStrings(L, 1)
	L.Push(lua.LString(h.host.Call(h.ctx, args)))
	return 1
}

// command_async(id, ...) runs a command on the async queue and stores its
// result under id for daemon.retrieve.
func (h *ScriptHandler) luaCommandAsync(L *lua.LState) int {
	id := L.CheckString(1)
	args := checkStrings(L, 2)
	store := h.host.Results()
	if !store.Allocate(id) {
		L.RaiseError("async id %q is already occupied", id)
		return 0
	}
	h.host.Invoke(func(ctx context.Context) error {
		store.Set(id, h.host.Call(ctx, args))
		return nil
	})
	return 0
}

func (h *ScriptHandler) luaEnqueue(L *lua.LState) int {
	h.host.Enqueue(checkStrings(L, 1))
	return 0
}

// retrieve(id) returns the value, "_unfinished", or nil plus an error string.
func (h *ScriptHandler) luaRetrieve(L *lua.LState) int {
	value, err := h.host.Results().Retrieve(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(value))
	return 1
}

func (h *ScriptHandler) luaPost(L *lua.LState) int {
	name := L.CheckString(1)
	h.host.Boards().Board(name).PostAsync(checkStrings(L, 2))
	return 0
}

func (h *ScriptHandler) luaSubscribe(L *lua.LState) int {
	name := L.CheckString(1)
	hub := h.host.Boards()
	added := hub.Subscriber(h.subscriberName()).Subscribe(hub.Board(name))
	if added {
		h.boards = append(h.boards, name)
	}
	L.Push(lua.LBool(added))
	return 1
}

func (h *ScriptHandler) luaUnsubscribe(L *lua.LState) int {
	name := L.CheckString(1)
	hub := h.host.Boards()
	removed := hub.Subscriber(h.subscriberName()).Unsubscribe(hub.Board(name))
	for i, b := range h.boards {
		if b == name {
			h.boards = append(h.boards[:i], h.boards[i+1:]...)
			break
		}
	}
	L.Push(lua.LBool(removed))
	return 1
}

func (h *ScriptHandler) luaNextMessage(L *lua.LState) int {
	msg, ok := h.host.Boards().Subscriber(h.subscriberName()).NextMessage()
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(stringsTable(L, msg))
	return 1
}

// register_task(fn) runs fn every dispatch iteration until unregistered or
// the handler ends.
func (h *ScriptHandler) luaRegisterTask(L *lua.LState) int {
	fn := L.CheckFunction(1)
	id := h.host.RegisterTask(func(ctx context.Context) error {
		if h.ending.Load() {
			return nil
		}
		h.mu.Lock()
		defer h.unlock()
		if h.finished.Load() {
			return nil
		}
		h.ctx = ctx
		if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, h.processTable(), h.argsTable()); err != nil {
			return fmt.Errorf("%s task: %w", h.name, err)
		}
		return nil
	})
	h.tasks = append(h.tasks, id)
	L.Push(lua.LNumber(id))
	return 1
}

func (h *ScriptHandler) luaUnregisterTask(L *lua.LState) int {
	id := uint64(L.CheckInt64(1))
	for i, owned := range h.tasks {
		if owned == id {
			h.tasks = append(h.tasks[:i], h.tasks[i+1:]...)
			L.Push(lua.LBool(h.host.RemoveTask(id)))
			return 1
		}
	}
	L.Push(lua.LFalse)
	return 1
}

// log(level, message) with level one of debug, info, warn, error.
func (h *ScriptHandler) luaLog(L *lua.LState) int {
	level := logging.ParseLevel(L.CheckString(1))
	h.logger.Log(h.ctx, level, L.CheckString(2), logging.String(logging.FieldEventType, "script_log"))
	return 0
}

func checkStrings(L *lua.LState, from int) []string {
	top := L.GetTop()
	if top < from {
		return nil
	}
	out := make([]string, 0, top-from+1)
	for i := from; i <= top; i++ {
		out = append(out, L.CheckString(i))
	}
	return out
}

func stringsTable(L *lua.LState, values []string) *lua.LTable {
	tbl := L.CreateTable(len(values), 0)
	for _, v := range values {
		tbl.Append(lua.LString(v))
	}
	return tbl
}

