package lua

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerGoFunctions exposes the host controls to a script. Every blocking
// helper is bound to ctx so that stopping a script interrupts it.
func (e *Engine) registerGoFunctions(L *lua.LState, ctx context.Context) {
	L.SetGlobal("print", L.NewFunction(e.luaPrint))
	L.SetGlobal("set", L.NewFunction(e.luaSet))
	L.SetGlobal("get", L.NewFunction(e.luaGet))
	L.SetGlobal("send", L.NewFunction(e.luaSend))
	L.SetGlobal("skip", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(e.host.Skip()))
		return 1
	}))
	L.SetGlobal("capacity", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(e.host.SetCapacity(L.CheckInt(1))))
		return 1
	}))
	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		cancellableSleep(ctx, time.Duration(L.CheckInt(1))*time.Millisecond)
		return 0
	}))
	L.SetGlobal("should_stop", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(ctx.Err() != nil))
		return 1
	}))
	L.SetGlobal("sweep", L.NewFunction(func(L *lua.LState) int {
		return e.luaSweep(L, ctx)
	}))
}

// cancellableSleep pauses for d or until ctx is done.
func cancellableSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) luaPrint(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	e.log.Info().Str("source", "script").Msg(strings.Join(parts, "\t"))
	return 0
}

// set(key, value) updates a setting without sending it.
func (e *Engine) luaSet(L *lua.LState) int {
	key := L.CheckString(1)
	if err := e.host.SetParam(key, fromLua(L.CheckAny(2))); err != nil {
		L.RaiseError("set %s: %v", key, err)
	}
	return 0
}

func (e *Engine) luaGet(L *lua.LState) int {
	v, ok := e.host.GetParam(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(toLua(v))
	return 1
}

// send() queues a tune with the current settings.
func (e *Engine) luaSend(L *lua.LState) int {
	if err := e.host.SendTune(); err != nil {
		e.log.Warn().Err(err).Msg("Script send dropped")
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// sweep(key, from, to, steps, ms) moves key linearly from "from" to "to" in
// steps increments, sending a tune after each one.
func (e *Engine) luaSweep(L *lua.LState, ctx context.Context) int {
	key := L.CheckString(1)
	from := float64(L.CheckNumber(2))
	to := float64(L.CheckNumber(3))
	steps := L.CheckInt(4)
	delay := time.Duration(L.OptInt(5, 0)) * time.Millisecond
	if steps < 1 {
		steps = 1
	}

	for i := 0; i <= steps; i++ {
		if ctx.Err() != nil {
			return 0
		}
		v := from + (to-from)*float64(i)/float64(steps)
		if err := e.host.SetParam(key, v); err != nil {
			L.RaiseError("sweep %s: %v", key, err)
			return 0
		}
		if err := e.host.SendTune(); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("Sweep send dropped")
		}
		if i < steps && !cancellableSleep(ctx, delay) {
			return 0
		}
	}
	return 0
}

func fromLua(v lua.LValue) interface{} {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	default:
		return v.String()
	}
}

func toLua(v interface{}) lua.LValue {
	switch val := v.(type) {
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	default:
		return lua.LNil
	}
}
