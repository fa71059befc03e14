// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cbltfile

import "fmt"

// RawDirective is one directive line inside a listener block, plus
// its own nested block if it has one (e.g. reverse_proxy's
// lb_policy/lb_interval/lb_timeout/lb_retries sub-directives).
type RawDirective struct {
	Name string
	Args []string
	Sub  []RawDirective
	Line int
}

// ListenerBlock is one top-level `"LISTENER_SPEC" { ... }` block.
type ListenerBlock struct {
	Addr       string
	Directives []RawDirective
}

// Tree is the parsed, not-yet-compiled configuration: C1's input,
// the "already-validated abstract configuration tree" spec.md §1
// treats as an external collaborator's output.
type Tree struct {
	Listeners []ListenerBlock
}

// Parse tokenizes and parses a Cbltfile into a Tree.
func Parse(input []byte, filename string) (*Tree, error) {
	tokens, err := Tokenize(input, filename)
	if err != nil {
		return nil, err
	}
	d := NewDispenser(tokens)
	tree := &Tree{}

	for d.Next() {
		addr := d.Val()
		if addr == "{" || addr == "}" {
			return nil, fmt.Errorf("line %d: expected listener address, got %q", d.Line(), addr)
		}
		lb := ListenerBlock{Addr: addr}

		for nesting := d.Nesting(); d.NextBlock(nesting); {
			name := d.Val()
			rd := RawDirective{Name: name, Line: d.Line()}
			rd.Args = d.RemainingArgs()

			// A directive may open its own nested block (only
			// reverse_proxy does, per spec §6); consume it here.
			if d.Next() {
				if d.Val() == "{" {
					d.nesting++
					innerNesting := d.Nesting() - 1
					for d.NextBlock(innerNesting) {
						subName := d.Val()
						sub := RawDirective{Name: subName, Line: d.Line()}
						sub.Args = d.RemainingArgs()
						rd.Sub = append(rd.Sub, sub)
					}
				} else {
					// Not a block opener; put it back for the outer
					// NextBlock loop to see.
					d.cursor--
				}
			}
			lb.Directives = append(lb.Directives, rd)
		}

		tree.Listeners = append(tree.Listeners, lb)
	}

	return tree, nil
}
