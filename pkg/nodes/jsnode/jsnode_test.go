package jsnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/node"
)

func newNode(t *testing.T, src string, cfg Config) *Node {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	creator, err := NewCreator(cfg)
	require.NoError(t, err)
	rec := &graph.NodeRecord{Kind: Kind, Params: graph.Parameters{Bytes: []byte(src)}}
	n, err := creator(rec)
	require.NoError(t, err)
	require.NoError(t, n.Reset(node.ResetArgs{Command: node.Command{Kind: node.CmdReset}, Record: rec}))
	return n.(*Node)
}

func runArgs(in []byte, room int) *node.RunArgs {
	return &node.RunArgs{
		Ctx: context.Background(),
		Buffers: []node.Buffer{
			{Arc: 0, Data: in, Size: uint32(len(in))},
			{Arc: 1, Output: true, Data: make([]byte, room), Size: uint32(room)},
		},
	}
}

func TestTransforms(t *testing.T) {
	tests := []struct {
		name string
		src  string
		in   []byte
		want []byte
	}{
		{
			name: "typed array",
			src:  `function process(input) { return input.map(function (b) { return b * 2; }); }`,
			in:   []byte{1, 2, 3},
			want: []byte{2, 4, 6},
		},
		{
			name: "plain array wraps to bytes",
			src:  `function process(input) { return [input.length, 300]; }`,
			in:   []byte{9, 9},
			want: []byte{2, 44},
		},
		{
			name: "string",
			src:  `function process(input) { return "ok"; }`,
			in:   []byte{0},
			want: []byte("ok"),
		},
		{
			name: "array buffer",
			src:  `function process(input) { var b = new ArrayBuffer(2); new Uint8Array(b)[1] = 7; return b; }`,
			in:   []byte{0},
			want: []byte{0, 7},
		},
		{
			name: "nothing",
			src:  `function process(input) {}`,
			in:   []byte{1, 2},
			want: []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNode(t, tt.src, Config{})
			args := runArgs(tt.in, 8)

			assert.Equal(t, node.TaskCompleted, n.Run(args))
			require.NoError(t, n.LastError())
			assert.Equal(t, uint32(len(tt.in)), args.Buffers[0].Size)
			assert.Equal(t, tt.want, args.Buffers[1].Data[:args.Buffers[1].Size])
		})
	}
}

func TestGlobalsPersistAcrossRuns(t *testing.T) {
	n := newNode(t, `var total = 0; function process(input) { total += input.length; return [total]; }`, Config{})

	args := runArgs([]byte{1, 2, 3}, 4)
	n.Run(args)
	args = runArgs([]byte{4, 5}, 4)
	n.Run(args)
	assert.Equal(t, []byte{5}, args.Buffers[1].Data[:args.Buffers[1].Size])
	assert.Equal(t, int64(2), n.Runs())
}

func TestOutputBackpressure(t *testing.T) {
	n := newNode(t, `function process(input) { return [1, 2, 3, 4, 5]; }`, Config{})

	args := runArgs([]byte{0}, 2)
	assert.Equal(t, node.TaskNotCompleted, n.Run(args))
	assert.Equal(t, uint32(1), args.Buffers[0].Size)
	assert.Equal(t, []byte{1, 2}, args.Buffers[1].Data[:args.Buffers[1].Size])
	assert.Equal(t, 3, n.Pending())

	// Held back output goes first and no input is taken meanwhile.
	args = runArgs([]byte{0}, 2)
	assert.Equal(t, node.TaskNotCompleted, n.Run(args))
	assert.Equal(t, uint32(0), args.Buffers[0].Size)
	assert.Equal(t, []byte{3, 4}, args.Buffers[1].Data[:args.Buffers[1].Size])

	args = runArgs(nil, 4)
	assert.Equal(t, node.TaskCompleted, n.Run(args))
	assert.Equal(t, []byte{5}, args.Buffers[1].Data[:args.Buffers[1].Size])
	assert.Equal(t, 0, n.Pending())
}

func TestRuntimeErrorDropsInput(t *testing.T) {
	n := newNode(t, `function process(input) { throw new Error("boom"); }`, Config{})

	args := runArgs([]byte{1, 2}, 4)
	assert.Equal(t, node.TaskCompleted, n.Run(args))
	assert.ErrorIs(t, n.LastError(), ErrRuntime)
	assert.Contains(t, n.LastError().Error(), "boom")
	assert.Equal(t, uint32(2), args.Buffers[0].Size)
	assert.Equal(t, uint32(0), args.Buffers[1].Size)
	assert.Equal(t, int64(1), n.Errors())
	assert.ErrorIs(t, n.Fault(), ErrRuntime)

	// Fault is per RUN; LastError sticks.
	n.Run(runArgs(nil, 4))
	assert.NoError(t, n.Fault())
	assert.ErrorIs(t, n.LastError(), ErrRuntime)
}

func TestTimeoutNeverLeaksIntoNextCall(t *testing.T) {
	n := newNode(t, `function process(input) {
		var x = 0;
		for (var k = 0; k < 20000; k++) { x += k; }
		return input;
	}`, Config{Timeout: 2 * time.Millisecond})

	// Runs finish around the deadline; a timer firing late must only ever
	// fail its own call.
	for i := 0; i < 50; i++ {
		n.Run(runArgs([]byte{byte(i)}, 4))
		if err := n.Fault(); err != nil {
			require.ErrorIs(t, err, ErrTimeout, "run %d", i)
		}
	}
}

func TestTimeout(t *testing.T) {
	n := newNode(t, `function process(input) { for (;;) {} }`, Config{Timeout: 20 * time.Millisecond})

	n.Run(runArgs([]byte{1}, 4))
	assert.ErrorIs(t, n.LastError(), ErrTimeout)

	// The runtime stays usable after an interrupt.
	require.NoError(t, n.SetParameter(node.Command{Kind: node.CmdSetParameter}, []byte(`function process(i) { return i; }`)))
	args := runArgs([]byte{7}, 4)
	n.Run(args)
	assert.Equal(t, []byte{7}, args.Buffers[1].Data[:args.Buffers[1].Size])
}

func TestCompileErrors(t *testing.T) {
	tests := map[string]string{
		"empty":      "",
		"syntax":     "function process(",
		"no process": "var x = 1;",
		"throws":     `throw new Error("init");`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			creator, err := NewCreator(Config{})
			require.NoError(t, err)
			rec := &graph.NodeRecord{Kind: Kind, Params: graph.Parameters{Bytes: []byte(src)}}
			n, err := creator(rec)
			require.NoError(t, err)
			err = n.Reset(node.ResetArgs{Command: node.Command{Kind: node.CmdReset}, Record: rec})
			assert.ErrorIs(t, err, ErrCompile)
		})
	}
}

func TestSandbox(t *testing.T) {
	n := newNode(t, `function process(input) { return [typeof require === "undefined" ? 1 : 0]; }`, Config{})
	args := runArgs([]byte{0}, 1)
	n.Run(args)
	assert.Equal(t, []byte{1}, args.Buffers[1].Data[:1])

	strict := newNode(t, `function process(input) { return [eval("1")]; }`, Config{SecurityLevel: SecurityLevelStrict})
	strict.Run(runArgs([]byte{0}, 1))
	assert.ErrorIs(t, strict.LastError(), ErrRuntime)
}

func TestWarmBootKeepsGlobals(t *testing.T) {
	n := newNode(t, `var calls = 0; function process(input) { calls++; return [calls]; }`, Config{})
	n.Run(runArgs([]byte{0}, 1))

	require.NoError(t, n.Reset(node.ResetArgs{Command: node.Command{Kind: node.CmdReset, Extension: true}, Record: n.Record()}))
	args := runArgs([]byte{0}, 1)
	n.Run(args)
	assert.Equal(t, []byte{2}, args.Buffers[1].Data[:1])

	require.NoError(t, n.Reset(node.ResetArgs{Command: node.Command{Kind: node.CmdReset}, Record: n.Record()}))
	args = runArgs([]byte{0}, 1)
	n.Run(args)
	assert.Equal(t, []byte{1}, args.Buffers[1].Data[:1])

	require.NoError(t, n.Stop())
	assert.Equal(t, node.TaskCompleted, n.Run(runArgs([]byte{0}, 1)))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{SecurityLevel: "lax"}
	assert.Error(t, cfg.Validate())

	cfg = Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultConfig().Timeout, cfg.Timeout)
	assert.Equal(t, SecurityLevelStandard, cfg.SecurityLevel)

	r := node.NewRegistry()
	require.NoError(t, Register(r, Config{}))
	assert.Equal(t, "js", r.Name(Kind))
}
