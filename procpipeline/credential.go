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

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nestybox/subordination/application"
)

// checkCredential implements spec.md §4.G's privilege rule: "set the app's
// uid/gid (refuse root unless allow_root)". Grounded on the teacher's own
// `process.checkPerm`-style direct-syscall checks (process/process.go),
// replacing the private sysbox-libs/capability package with public
// golang.org/x/sys/unix + syscall.SysProcAttr.Credential (see DESIGN.md).
func checkCredential(app *application.Application) error {
	if app.AllowRoot {
		return nil
	}
	if app.Uid == 0 || app.Gid == 0 {
		return fmt.Errorf("procpipeline: application %d requests uid/gid 0 and AllowRoot is false", app.ID)
	}
	return nil
}

// sysProcAttr builds the syscall.SysProcAttr that drops privilege to the
// application's uid/gid before exec, the Go-native equivalent of the
// original's fork()-then-setuid/setgid sequence (process_pipeline.cc).
func sysProcAttr(app *application.Application) (*syscall.SysProcAttr, error) {
	if err := checkCredential(app); err != nil {
		return nil, err
	}
	return &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid: app.Uid,
			Gid: app.Gid,
		},
	}, nil
}

// currentIsRoot reports whether this daemon process itself is running as
// root, consulted only for the master's own AllowRoot bookkeeping, not for
// spawned applications (spec.md §4.G's rule is about the child, not us).
func currentIsRoot() bool {
	return unix.Getuid() == 0
}
