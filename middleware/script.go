package middleware

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// RunScript runs a Lua automation script. The script has these functions:
//
//	send(path, ...)            send a message; integral numbers become ints
//	note_on(channel, note, velocity)
//	note_off(channel, note)
//	panic()
//	sleep(seconds)
//	log(...)
//
// Every call that touches the engine is executed on the control goroutine
// with Do, so RunScript must be called on a goroutine of its own while the
// control goroutine keeps ticking. The script stops when ctx is cancelled.
func (m *MiddleWare) RunScript(ctx context.Context, name, src string) error {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	call := func(L *lua.LState, f func(*MiddleWare) error) int {
		done := make(chan error, 1)
		m.Do(func(m *MiddleWare) { done <- f(m) })
		select {
		case err := <-done:
			if err != nil {
				L.RaiseError("%v", err)
			}
		case <-ctx.Done():
			L.RaiseError("%v", ctx.Err())
		}
		return 0
	}
	L.SetGlobal("send", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		args := make([]any, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			v, err := luaArg(L.Get(i))
			if err != nil {
				L.ArgError(i, err.Error())
			}
			args = append(args, v)
		}
		return call(L, func(m *MiddleWare) error { return m.Send(path, args...) })
	}))
	L.SetGlobal("note_on", L.NewFunction(func(L *lua.LState) int {
		ch, note, vel := L.CheckInt(1), L.CheckInt(2), L.OptInt(3, 100)
		return call(L, func(m *MiddleWare) error { return m.NoteOn(ch, note, vel) })
	}))
	L.SetGlobal("note_off", L.NewFunction(func(L *lua.LState) int {
		ch, note := L.CheckInt(1), L.CheckInt(2)
		return call(L, func(m *MiddleWare) error { return m.NoteOff(ch, note) })
	}))
	L.SetGlobal("panic", L.NewFunction(func(L *lua.LState) int {
		return call(L, func(m *MiddleWare) error { return m.Panic() })
	}))
	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
		select {
		case <-ctx.Done():
			L.RaiseError("%v", ctx.Err())
		case <-time.After(d):
		}
		return 0
	}))
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.Get(i).String())
		}
		m.logger.Info(strings.Join(parts, " "), "script", name)
		return 0
	}))
	if err := L.DoString(src); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	return nil
}

func luaArg(v lua.LValue) (any, error) {
	switch v := v.(type) {
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxInt32 {
			return int32(f), nil
		}
		return float32(f), nil
	case lua.LBool:
		return bool(v), nil
	case lua.LString:
		return string(v), nil
	}
	return nil, fmt.Errorf("unsupported argument type %s", v.Type())
}
