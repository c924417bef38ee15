//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package procpipeline

import "testing"

func TestResourceFilterMatches(t *testing.T) {
	cases := []struct {
		name   string
		expr   string
		facts  Facts
		expect bool
	}{
		{"empty filter matches everything", "", Facts{}, true},
		{"simple equality match", "arch=amd64", Facts{"arch": "amd64"}, true},
		{"simple equality mismatch", "arch=amd64", Facts{"arch": "arm64"}, false},
		{"and both true", "arch=amd64 and mem>=2G", Facts{"arch": "amd64", "mem": "4G"}, true},
		{"and one false", "arch=amd64 and mem>=2G", Facts{"arch": "amd64", "mem": "1G"}, false},
		{"or either true", "arch=amd64 or arch=arm64", Facts{"arch": "arm64"}, true},
		{"not inverts", "not (role=untrusted)", Facts{"role": "trusted"}, true},
		{"not inverts false", "not (role=untrusted)", Facts{"role": "untrusted"}, false},
		{"missing fact never matches", "gpu=true", Facts{}, false},
		{"le comparison", "mem<=1G", Facts{"mem": "512M"}, true},
		{"le comparison over", "mem<=1G", Facts{"mem": "2G"}, false},
		{"nested precedence", "arch=amd64 and (mem>=1G or gpu=true)", Facts{"arch": "amd64", "gpu": "true"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rf, err := ParseResourceFilter(tc.expr)
			if err != nil {
				t.Fatalf("ParseResourceFilter(%q): %v", tc.expr, err)
			}
			if got := rf.Matches(tc.facts); got != tc.expect {
				t.Fatalf("Matches(%v) on %q = %v, want %v", tc.facts, tc.expr, got, tc.expect)
			}
		})
	}
}

func TestResourceFilterRejectsMalformedExpressions(t *testing.T) {
	cases := []string{
		"arch",
		"(arch=amd64",
		"arch=amd64 and",
		"arch=amd64)",
	}
	for _, expr := range cases {
		if _, err := ParseResourceFilter(expr); err == nil {
			t.Fatalf("ParseResourceFilter(%q): expected an error", expr)
		}
	}
}

func TestNilResourceFilterMatchesEverything(t *testing.T) {
	var rf *ResourceFilter
	if !rf.Matches(Facts{"anything": "goes"}) {
		t.Fatalf("a nil *ResourceFilter must match unconditionally")
	}
}
