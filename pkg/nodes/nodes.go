// Package nodes assembles the node kinds shipped with the runtime.
package nodes

import (
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/nodes/basic"
	"github.com/wehubfusion/Daedalus/pkg/nodes/jsnode"
	"github.com/wehubfusion/Daedalus/pkg/script"
)

// NewRegistry returns a registry holding every built-in kind.
func NewRegistry(js jsnode.Config) (*node.Registry, error) {
	r := node.NewRegistry()
	r.Register(script.Kind, "script", script.NewNode)
	basic.Register(r)
	if err := jsnode.Register(r, js); err != nil {
		return nil, err
	}
	return r, nil
}
