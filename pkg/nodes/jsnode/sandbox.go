package jsnode

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// newRuntime builds a sandboxed runtime for one node.
func newRuntime(cfg Config, index int) (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(cfg.MaxStackDepth)

	for _, name := range []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"setTimeout",
		"setInterval",
		"setImmediate",
	} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if cfg.SecurityLevel == SecurityLevelStrict {
		restricted := func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed in strict security mode"))
		}
		if err := vm.Set("eval", restricted); err != nil {
			return nil, err
		}
	}

	if cfg.SecurityLevel != SecurityLevelPermissive {
		if _, err := vm.RunString(freezeBuiltins); err != nil {
			return nil, fmt.Errorf("failed to freeze built-ins: %w", err)
		}
	}

	logger := cfg.Logger.With(zap.Int("node", index))
	console := vm.NewObject()
	logFn := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			level("script console", zap.Any("args", args))
			return goja.Undefined()
		}
	}
	if err := console.Set("log", logFn(logger.Info)); err != nil {
		return nil, err
	}
	if err := console.Set("error", logFn(logger.Error)); err != nil {
		return nil, err
	}
	if err := vm.Set("console", console); err != nil {
		return nil, err
	}
	return vm, nil
}

const freezeBuiltins = `
(function () {
	["Object", "Array", "Function", "String", "Number", "Boolean", "Math", "Uint8Array", "ArrayBuffer"].forEach(function (name) {
		var obj = this[name];
		if (obj) {
			Object.freeze(obj);
			if (obj.prototype) {
				Object.freeze(obj.prototype);
			}
		}
	}, this);
})();
`
