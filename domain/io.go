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

// Package domain collects the interfaces each service (txlog, discoverer,
// pipeline, protocol, process pipeline) is built behind, the way the
// teacher's domain package does for its handler/container/process services.
// Concrete implementations live in their own packages and are wired together
// only in cmd/subordd/main.go, so no package below domain imports a sibling
// concrete package directly.
package domain

import "os"

// IOServiceType distinguishes a production, OS-file-backed service from one
// backed by an in-memory filesystem for tests.
type IOServiceType int

const (
	IOUnknownService IOServiceType = iota
	IOOsFileService
	IOMemFileService
)

// IOServiceIface constructs IOnodeIface values. txlog and discoverer each
// hold one, swapping OsFileService for MemFileService in tests.
type IOServiceIface interface {
	NewIOnode(name, path string, mode os.FileMode) IOnodeIface
	GetServiceType() IOServiceType
}

// IOnodeIface wraps a single file path, production implementations backed by
// afero.Fs (see sysio.File), test implementations by afero.NewMemMapFs().
type IOnodeIface interface {
	Path() string
	Open() error
	Close() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	ReadFile() ([]byte, error)
	WriteFile(p []byte) error
	Append(p []byte) error
	Truncate(size int64) error
	Remove() error
	Rename(newPath string) error
	Stat() (os.FileInfo, error)
}
