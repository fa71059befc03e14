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

package cblt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchHostPrecedence(t *testing.T) {
	exact := &HostBlock{HostPattern: "example.com", Directives: []Directive{
		{PathPattern: "*", Redirect: &RedirectDirective{TargetTemplate: "https://example.com{uri}"}},
	}}
	wildcardPort := &HostBlock{HostPattern: "*:8080", Directives: []Directive{
		{PathPattern: "*", Redirect: &RedirectDirective{TargetTemplate: "/port"}},
	}}
	wildcard := &HostBlock{HostPattern: "*", Directives: []Directive{
		{PathPattern: "*", Redirect: &RedirectDirective{TargetTemplate: "/wild"}},
	}}

	rt := &RoutingTable{Listeners: map[string][]*HostBlock{
		"*:8080": {exact, wildcardPort, wildcard},
	}}

	hb, d, err := Match(rt, "*:8080", "example.com", "/anything")
	require.NoError(t, err)
	require.Same(t, exact, hb)
	require.Equal(t, "https://example.com{uri}", d.Redirect.TargetTemplate)

	hb, d, err = Match(rt, "*:8080", "other.com:8080", "/x")
	require.NoError(t, err)
	require.Same(t, wildcardPort, hb)
	require.Equal(t, "/port", d.Redirect.TargetTemplate)

	hb, d, err = Match(rt, "*:8080", "unmatched-host", "/x")
	require.NoError(t, err)
	require.Same(t, wildcard, hb)
	require.Equal(t, "/wild", d.Redirect.TargetTemplate)
}

func TestMatchNoHostBlock(t *testing.T) {
	rt := &RoutingTable{Listeners: map[string][]*HostBlock{}}
	_, _, err := Match(rt, "*:80", "example.com", "/")
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestMatchPathDeclarationOrder(t *testing.T) {
	hb := &HostBlock{HostPattern: "*", Directives: []Directive{
		{PathPattern: "/api/*", ReverseProxy: &ReverseProxyDirective{}},
		{PathPattern: "*", FileServer: &FileServerDirective{}},
	}}
	rt := &RoutingTable{Listeners: map[string][]*HostBlock{"*:80": {hb}}}

	_, d, err := Match(rt, "*:80", "example.com", "/api/users")
	require.NoError(t, err)
	require.NotNil(t, d.ReverseProxy)

	_, d, err = Match(rt, "*:80", "example.com", "/index.html")
	require.NoError(t, err)
	require.NotNil(t, d.FileServer)
}

func TestMatchRootAccumulatesContextWithoutTerminating(t *testing.T) {
	root := &RootDirective{PathPattern: "*", FSRoot: "/srv/www"}
	hb := &HostBlock{HostPattern: "*", Directives: []Directive{
		{Root: root},
		{PathPattern: "*", FileServer: &FileServerDirective{}},
	}}
	rt := &RoutingTable{Listeners: map[string][]*HostBlock{"*:80": {hb}}}

	_, d, err := Match(rt, "*:80", "example.com", "/a.txt")
	require.NoError(t, err)
	require.NotNil(t, d.FileServer)
	require.Len(t, d.FileServer.Roots, 1)
	require.Same(t, root, d.FileServer.Roots[0])
}
