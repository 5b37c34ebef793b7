// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package graph

import (
	"strings"
	"testing"
)

// TestDotHighlightsAndLabelsEdges checks the Highlight and EdgeLabel
// hooks cmd/mijitinspect relies on to flag a BackEdge's target and
// mark a guard's hot/cold successors.
func TestDotHighlightsAndLabelsEdges(t *testing.T) {
	var buf strings.Builder
	d := Dot{
		Name: "g",
		Highlight: func(n int) bool {
			return n == 1
		},
		EdgeLabel: func(src, dst int) string {
			if src == 0 && dst == 1 {
				return "hot"
			}
			return ""
		},
	}
	if err := d.Fprint(graphDiamond, &buf); err != nil {
		t.Fatalf("Fprint: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, `n1 [label="1",style=filled,fillcolor=red];`) {
		t.Errorf("Fprint output missing highlighted node 1: %s", out)
	}
	if !strings.Contains(out, `n0 -> n1 [label="hot"];`) {
		t.Errorf("Fprint output missing hot edge label: %s", out)
	}
	if !strings.Contains(out, `n0 -> n2 [label=""];`) {
		t.Errorf("Fprint output missing empty edge label for n0 -> n2: %s", out)
	}
}
