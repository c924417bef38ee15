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

// Package application implements the Application record of spec.md §3: the
// description of a spawned, cooperating program that a kernel may target.
package application

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/nestybox/subordination/kernelbuf"
)

// Role distinguishes the process that brought up the cluster (Master) from
// processes spawned to join it as a subordinate application instance.
type Role int

const (
	Master Role = iota
	Slave
)

func (r Role) String() string {
	if r == Master {
		return "master"
	}
	return "slave"
}

// Application is the spec.md §3 Application record.
type Application struct {
	ID        uint64
	Uid       uint32
	Gid       uint32
	Args      []string
	Env       []string
	Workdir   string
	AllowRoot bool
	Role      Role
}

// New draws a fresh 64-bit random application id, the way a master node
// mints ids for applications it spawns (spec.md §3: "drawn at construction
// (master)").
func New(args, env []string, workdir string, uid, gid uint32, allowRoot bool) (*Application, error) {
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	return &Application{
		ID:        id,
		Uid:       uid,
		Gid:       gid,
		Args:      append([]string(nil), args...),
		Env:       append([]string(nil), env...),
		Workdir:   workdir,
		AllowRoot: allowRoot,
		Role:      Master,
	}, nil
}

func randomID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("application: failed to draw random id: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// FromEnv reconstructs the Application id a spawned slave process was told
// about via the APPLICATION_ID environment variable (spec.md §6), along
// with whether SLAVE was set.
func FromEnv(environ []string) (id uint64, slave bool, err error) {
	var idStr string
	for _, kv := range environ {
		switch {
		case strings.HasPrefix(kv, "APPLICATION_ID="):
			idStr = strings.TrimPrefix(kv, "APPLICATION_ID=")
		case kv == "SLAVE=1" || strings.HasPrefix(kv, "SLAVE="):
			slave = true
		}
	}
	if idStr == "" {
		return 0, false, fmt.Errorf("application: APPLICATION_ID not set in environment")
	}
	id, err = strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("application: invalid APPLICATION_ID %q: %w", idStr, err)
	}
	return id, slave, nil
}

// Write serializes the Application record embedded form used when a kernel
// header's SourceApp/TargetApp bit selects "embedded" rather than "id only"
// (spec.md §6).
func Write(b *kernelbuf.Buffer, a *Application) {
	b.WriteUint64BE(a.ID)
	b.WriteUint32BE(a.Uid)
	b.WriteUint32BE(a.Gid)
	b.WriteUint32BE(uint32(len(a.Args)))
	for _, arg := range a.Args {
		b.WriteString(arg)
	}
	b.WriteUint32BE(uint32(len(a.Env)))
	for _, e := range a.Env {
		b.WriteString(e)
	}
	b.WriteString(a.Workdir)
	b.WriteBool(a.AllowRoot)
	b.WriteUint8(uint8(a.Role))
}

func Read(b *kernelbuf.Buffer) (*Application, error) {
	a := &Application{}
	var err error
	if a.ID, err = b.ReadUint64BE(); err != nil {
		return nil, err
	}
	if a.Uid, err = b.ReadUint32BE(); err != nil {
		return nil, err
	}
	if a.Gid, err = b.ReadUint32BE(); err != nil {
		return nil, err
	}
	nArgs, err := b.ReadUint32BE()
	if err != nil {
		return nil, err
	}
	a.Args = make([]string, nArgs)
	for i := range a.Args {
		if a.Args[i], err = b.ReadString(); err != nil {
			return nil, err
		}
	}
	nEnv, err := b.ReadUint32BE()
	if err != nil {
		return nil, err
	}
	a.Env = make([]string, nEnv)
	for i := range a.Env {
		if a.Env[i], err = b.ReadString(); err != nil {
			return nil, err
		}
	}
	if a.Workdir, err = b.ReadString(); err != nil {
		return nil, err
	}
	if a.AllowRoot, err = b.ReadBool(); err != nil {
		return nil, err
	}
	role, err := b.ReadUint8()
	if err != nil {
		return nil, err
	}
	a.Role = Role(role)
	return a, nil
}
