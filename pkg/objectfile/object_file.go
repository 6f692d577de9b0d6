// Copyright 2022-2023 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// This package includes modified code from the github.com/google/pprof/internal/binutils

// Package objectfile opens and holds a refcounted handle on an ELF file,
// either the monitored process's own executable or a relocatable object
// supplied by the optimization server.
package objectfile

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"time"
)

var elfNewFile = elf.NewFile

// objectFile is the unexported value type; callers only ever see it
// through the refcounted *ObjectFile handle constructed by Open.
type objectFile struct {
	Path    string
	File    *os.File
	Size    int64
	Modtime time.Time

	ElfFile *elf.File
}

// Open opens path, validates the ELF magic, and parses the ELF headers.
// The returned handle starts with a single live reference; call Release
// when done with it.
func Open(path string) (*ObjectFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	return newFile(f)
}

func newFile(f *os.File) (*ObjectFile, error) {
	closer := func(err error) error {
		if cErr := f.Close(); cErr != nil {
			err = errors.Join(err, cErr)
		}
		return err
	}

	filePath := f.Name()
	ok, err := isELF(f)
	if err != nil {
		return nil, closer(fmt.Errorf("failed check whether file is an ELF file %s: %w", filePath, err))
	}
	if !ok {
		return nil, closer(fmt.Errorf("unrecognized binary format: %s", filePath))
	}

	ef, err := elfNewFile(f)
	if err != nil {
		return nil, closer(fmt.Errorf("error opening %s: %w", filePath, err))
	}
	if len(ef.Sections) == 0 {
		return nil, closer(errors.New("ELF does not have any sections"))
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, closer(fmt.Errorf("failed to stat the file: %w", err))
	}

	val := &objectFile{
		Path:    filePath,
		File:    f,
		ElfFile: ef,
		Size:    stat.Size(),
		Modtime: stat.ModTime(),
	}

	return NewReference(val, f.Close), nil
}

func rewind(f *os.File) error {
	_, err := f.Seek(0, os.SEEK_SET)
	return err
}

// isELF opens a file to check whether its format is ELF.
func isELF(f *os.File) (_ bool, err error) {
	defer func() {
		if rErr := rewind(f); rErr != nil {
			err = errors.Join(err, rErr)
		}
	}()

	var header [4]byte
	if _, err := f.Read(header[:]); err != nil {
		return false, fmt.Errorf("error reading magic number from %s: %w", f.Name(), err)
	}

	isELFMagic := string(header[:]) == elf.ELFMAG
	return isELFMagic, nil
}

// HasTextSection reports whether the parsed ELF carries a .text section.
func (o *objectFile) HasTextSection() bool {
	return o.ElfFile.Section(".text") != nil
}

// Section returns the named section's raw contents, or ErrSectionNotFound.
func (o *objectFile) Section(name string) ([]byte, error) {
	s := o.ElfFile.Section(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, name)
	}
	return s.Data()
}

// ErrSectionNotFound is returned by Section when the named section is absent.
var ErrSectionNotFound = errors.New("section not found")
