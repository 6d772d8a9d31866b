// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.chromium.org/build/types"
)

// DecodeState reads an allocation state written by EncodeState.
func DecodeState(r io.Reader) (types.AllocationState, error) {
	var st types.AllocationState
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return nil, fmt.Errorf("malformed allocation state: %w", err)
	}
	if st == nil {
		st = make(types.AllocationState)
	}
	return st, nil
}

// EncodeState writes st as indented JSON.
func EncodeState(w io.Writer, st types.AllocationState) error {
	j, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	j = append(j, '\n')
	_, err = w.Write(j)
	return err
}

// ReadStateFile reads the allocation state at path. A missing file is
// an empty state, as on the first start of a master.
func ReadStateFile(path string) (types.AllocationState, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return make(types.AllocationState), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := DecodeState(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}

// WriteStateFile atomically replaces the file at path with st.
func WriteStateFile(path string, st types.AllocationState) error {
	var buf bytes.Buffer
	if err := EncodeState(&buf, st); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".slavealloc-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteStateFile writes the assignment to path in the form read by
// ReadStateFile.
func (sm *SlaveMap) WriteStateFile(path string) error {
	return WriteStateFile(path, sm.State())
}
