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

import "strings"

// ExpandEnvTemplate substitutes `%KEY%` placeholders in s with values from
// vars, the narrow piece of `original_source`'s factory_properties.cc
// (a `key=value` properties loader) actually needed here: templating an
// application's advertised Env entries before spawn (e.g.
// "WORKDIR=%APPLICATION_ROOT%/data"), distinct from the full configuration-
// file parsing spec.md §1 excludes as a Non-goal.
func ExpandEnvTemplate(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "%"+k+"%", v)
	}
	return s
}

// ExpandEnv applies ExpandEnvTemplate to every entry of env, returning a
// new slice.
func ExpandEnv(env []string, vars map[string]string) []string {
	out := make([]string, len(env))
	for i, e := range env {
		out[i] = ExpandEnvTemplate(e, vars)
	}
	return out
}
