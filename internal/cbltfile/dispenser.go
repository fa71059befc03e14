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

// Dispenser allows directive-parsing code to consume a token stream
// one token at a time, with nesting-aware block iteration. Grounded
// on caddyconfig/caddyfile/dispenser.go.
type Dispenser struct {
	tokens []Token
	cursor int
	nesting int
}

// NewDispenser wraps a token slice for sequential consumption.
func NewDispenser(tokens []Token) *Dispenser {
	return &Dispenser{tokens: tokens, cursor: -1}
}

// Next loads the next token. Returns false at EOF.
func (d *Dispenser) Next() bool {
	if d.cursor < len(d.tokens)-1 {
		d.cursor++
		return true
	}
	return false
}

// NextArg loads the next token only if it is on the same line and is
// not a block boundary ({ or }).
func (d *Dispenser) NextArg() bool {
	if d.cursor < 0 {
		return d.Next()
	}
	if d.cursor >= len(d.tokens)-1 {
		return false
	}
	cur := d.tokens[d.cursor]
	nxt := d.tokens[d.cursor+1]
	if nxt.Line != cur.Line || nxt.Text == "{" || nxt.Text == "}" {
		return false
	}
	d.cursor++
	return true
}

// NextBlock advances into a `{ ... }` block one token at a time,
// returning false once the matching `}` at the given nesting level is
// consumed. The canonical loop is:
//
//	for nesting := dispenser.Nesting(); dispenser.NextBlock(nesting); { ... }
func (d *Dispenser) NextBlock(initialNesting int) bool {
	if d.nesting > initialNesting {
		if !d.Next() {
			return false
		}
		if d.Val() == "}" {
			d.nesting--
			if d.nesting < initialNesting+1 {
				return false
			}
		}
		if d.Val() == "{" {
			d.nesting++
		}
		return true
	}
	if !d.NextArg() {
		if !d.Next() {
			return false
		}
		if d.Val() != "{" {
			d.cursor--
			return false
		}
		d.nesting++
		return d.NextBlock(initialNesting)
	}
	return false
}

// Nesting returns the current brace-nesting depth.
func (d *Dispenser) Nesting() int { return d.nesting }

// Val returns the current token's text.
func (d *Dispenser) Val() string {
	if d.cursor < 0 || d.cursor >= len(d.tokens) {
		return ""
	}
	return d.tokens[d.cursor].Text
}

// Line returns the current token's source line.
func (d *Dispenser) Line() int {
	if d.cursor < 0 || d.cursor >= len(d.tokens) {
		return 0
	}
	return d.tokens[d.cursor].Line
}

// Args loads the next len(targets) arguments into targets, returning
// false if there weren't enough.
func (d *Dispenser) Args(targets ...*string) bool {
	for i := range targets {
		if !d.NextArg() {
			return false
		}
		*targets[i] = d.Val()
	}
	return true
}

// RemainingArgs loads all arguments remaining on the current line.
func (d *Dispenser) RemainingArgs() []string {
	var args []string
	for d.NextArg() {
		args = append(args, d.Val())
	}
	return args
}

// ArgErr produces a "wrong argument count" error for the current
// directive and line.
func (d *Dispenser) ArgErr() error {
	return fmt.Errorf("line %d: wrong argument count for '%s'", d.Line(), d.Val())
}

// SyntaxErr produces an error describing what was expected.
func (d *Dispenser) SyntaxErr(expected string) error {
	return fmt.Errorf("line %d: unexpected token %q, expecting %s", d.Line(), d.Val(), expected)
}

// Errf produces a line-tagged formatted error.
func (d *Dispenser) Errf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s", d.Line(), fmt.Sprintf(format, args...))
}
