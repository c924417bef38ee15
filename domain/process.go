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

package domain

import "github.com/nestybox/subordination/application"

// ProcessPipelineIface is the process pipeline of spec.md §4.G: it spawns
// and supervises child applications, wrapping each one's pipe in a
// ConnectionIface.
type ProcessPipelineIface interface {
	SocketPipelineIface
	RoutingPipelineIface

	// Spawn forks and execs a under a fresh pipe, registering a connection
	// for its kernel traffic.
	Spawn(app *application.Application) error

	// Terminated reports whether app has exited, and its Go-process exit
	// status, once the wait thread has reaped it.
	Terminated(appID uint64) (status int, exited bool)
}

// ProcessEventListener is notified when a spawned application's process
// exits (spec.md §4.G "process_terminated(app_id, status)").
type ProcessEventListener interface {
	OnProcessTerminated(appID uint64, status int)
}
