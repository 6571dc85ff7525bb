// Package luatransform reshapes coordination payloads with a sandboxed Lua
// script. The script defines a global function transform(payload) that
// returns the new payload.
package luatransform

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

const entryPoint = "transform"

// Transformer runs one Lua script. Calls are serialized; an LState is not
// safe for concurrent use.
type Transformer struct {
	name   string
	path   string
	mu     sync.Mutex
	L      *lua.LState
	logger zerolog.Logger
}

// New compiles script and checks it defines transform.
func New(name, script string, logger zerolog.Logger) (*Transformer, error) {
	logger = logger.With().Str("component", "luatransform").Str("script", name).Logger()
	L, err := compile(name, script, logger)
	if err != nil {
		return nil, err
	}
	return &Transformer{name: name, L: L, logger: logger}, nil
}

func compile(name, script string, logger zerolog.Logger) (*lua.LState, error) {
	L := newSandboxedState(logger)
	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if _, ok := L.GetGlobal(entryPoint).(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("load %s: script does not define %s(payload)", name, entryPoint)
	}
	return L, nil
}

// Load reads and compiles the script at path.
func Load(path string, logger zerolog.Logger) (*Transformer, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transform script: %w", err)
	}
	t, err := New(path, string(src), logger)
	if err != nil {
		return nil, err
	}
	t.path = path
	return t, nil
}

// Reload recompiles the script from disk. On failure the previous script
// stays active.
func (t *Transformer) Reload() error {
	if t.path == "" {
		return fmt.Errorf("%s: not loaded from a file", t.name)
	}
	src, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read transform script: %w", err)
	}
	L, err := compile(t.name, string(src), t.logger)
	if err != nil {
		return err
	}

	t.mu.Lock()
	old := t.L
	t.L = L
	t.mu.Unlock()
	old.Close()
	return nil
}

// TransformData calls transform(payload) and returns its result. The call
// is aborted when ctx is done.
func (t *Transformer) TransformData(ctx context.Context, data any) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.L.SetContext(ctx)
	defer t.L.RemoveContext()

	fn := t.L.GetGlobal(entryPoint)
	if err := t.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, goToLua(t.L, data)); err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	ret := t.L.Get(-1)
	t.L.Pop(1)
	return luaToGo(ret), nil
}

// Close releases the Lua state.
func (t *Transformer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.L.Close()
}
