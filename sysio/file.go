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

// Package sysio wraps afero.Fs in the domain.IOServiceIface/IOnodeIface
// shape: production code gets an OS-backed filesystem, tests get an
// in-memory one, with identical call sites either way.
package sysio

import (
	"fmt"
	"os"

	"github.com/nestybox/subordination/domain"
	"github.com/spf13/afero"
)

var _ domain.IOServiceIface = (*fileService)(nil)
var _ domain.IOnodeIface = (*File)(nil)

type fileService struct {
	fsType domain.IOServiceType
	fs     afero.Fs
}

// NewOsFileService returns a service backed by the real filesystem.
func NewOsFileService() domain.IOServiceIface {
	return &fileService{fsType: domain.IOOsFileService, fs: afero.NewOsFs()}
}

// NewMemFileService returns a service backed by an in-memory filesystem, for
// txlog and discoverer cache tests.
func NewMemFileService() domain.IOServiceIface {
	return &fileService{fsType: domain.IOMemFileService, fs: afero.NewMemMapFs()}
}

func (s *fileService) NewIOnode(name, path string, mode os.FileMode) domain.IOnodeIface {
	return &File{path: path, mode: mode, fs: s.fs}
}

func (s *fileService) GetServiceType() domain.IOServiceType { return s.fsType }

// File is a single afero-backed path. Read, Write and ReadAt use the handle
// opened by Open and kept until Close, and fail if Open was not called;
// ReadFile, WriteFile and Append open and close the file on each call.
type File struct {
	path string
	mode os.FileMode
	fs   afero.Fs
	f    afero.File
}

func (n *File) Path() string { return n.path }

func (n *File) Open() error {
	f, err := n.fs.OpenFile(n.path, os.O_RDWR|os.O_CREATE, n.mode)
	if err != nil {
		return fmt.Errorf("sysio: opening %s: %w", n.path, err)
	}
	n.f = f
	return nil
}

func (n *File) Close() error {
	if n.f == nil {
		return nil
	}
	err := n.f.Close()
	n.f = nil
	return err
}

func (n *File) Read(p []byte) (int, error) {
	if n.f == nil {
		return 0, fmt.Errorf("sysio: %s not open", n.path)
	}
	return n.f.Read(p)
}

func (n *File) Write(p []byte) (int, error) {
	if n.f == nil {
		return 0, fmt.Errorf("sysio: %s not open", n.path)
	}
	return n.f.Write(p)
}

func (n *File) ReadAt(p []byte, off int64) (int, error) {
	if n.f == nil {
		return 0, fmt.Errorf("sysio: %s not open", n.path)
	}
	return n.f.ReadAt(p, off)
}

func (n *File) ReadFile() ([]byte, error) {
	return afero.ReadFile(n.fs, n.path)
}

func (n *File) WriteFile(p []byte) error {
	return afero.WriteFile(n.fs, n.path, p, n.mode)
}

// Append opens the file for appending (creating it if absent), writes p and
// closes it again — the access pattern txlog uses for Start/End records.
func (n *File) Append(p []byte) error {
	f, err := n.fs.OpenFile(n.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, n.mode)
	if err != nil {
		return fmt.Errorf("sysio: opening %s for append: %w", n.path, err)
	}
	defer f.Close()
	if _, err := f.Write(p); err != nil {
		return fmt.Errorf("sysio: appending to %s: %w", n.path, err)
	}
	return nil
}

func (n *File) Truncate(size int64) error {
	return n.fs.Truncate(n.path, size)
}

func (n *File) Remove() error {
	return n.fs.Remove(n.path)
}

func (n *File) Rename(newPath string) error {
	if err := n.fs.Rename(n.path, newPath); err != nil {
		return err
	}
	n.path = newPath
	return nil
}

func (n *File) Stat() (os.FileInfo, error) {
	return n.fs.Stat(n.path)
}
