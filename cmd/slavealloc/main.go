// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The slavealloc command resolves the slave allocation of a master
// configuration and prints it.
//
// By default it prints the allocation state, in the form read back by
// the coordinator's -state flag. With -map it prints the slaves
// allocated to each builder instead.
//
// Usage:
//
//	slavealloc -config=master.yaml [-state=old.json] [-o=new.json] [-map]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"go.chromium.org/build/dashboard"
	"go.chromium.org/build/internal/coordinator/pool"
	"go.chromium.org/build/internal/ctxlog"
)

var (
	configFile = flag.String("config", "master.yaml", "path to the master configuration")
	stateFile  = flag.String("state", "", "if non-empty, an allocation state to keep assignments from")
	outFile    = flag.String("o", "", "if non-empty, write the allocation state to this file")
	printMap   = flag.Bool("map", false, "print the slaves of each builder instead of the allocation state")
)

func main() {
	flag.Parse()
	logger := ctxlog.Root()
	if err := run(os.Stdout, logger); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func run(w io.Writer, logger logrus.FieldLogger) error {
	cfg, err := dashboard.LoadFile(*configFile)
	if err != nil {
		return err
	}
	sm, err := allocate(cfg, *stateFile)
	if err != nil {
		return err
	}
	if *outFile != "" {
		if err := sm.WriteStateFile(*outFile); err != nil {
			return err
		}
		logger.Infof("wrote allocation state to %s", *outFile)
	}
	if *printMap {
		return printEntries(w, sm)
	}
	return pool.EncodeState(w, sm.State())
}

func allocate(cfg *dashboard.Config, statePath string) (*pool.SlaveMap, error) {
	a, err := cfg.Allocator()
	if err != nil {
		return nil, err
	}
	if statePath != "" {
		st, err := pool.ReadStateFile(statePath)
		if err != nil {
			return nil, err
		}
		if err := a.LoadState(st); err != nil {
			return nil, err
		}
	}
	return a.SlaveMap()
}

// printEntries writes the slaves of each builder and the unallocated
// slaves as JSON.
func printEntries(w io.Writer, sm *pool.SlaveMap) error {
	out := struct {
		Entries     map[string][]string `json:"entries"`
		Unallocated []string            `json:"unallocated,omitempty"`
	}{sm.Entries, sm.Unallocated}
	j, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", j)
	return err
}
