// Command boeingest ingests BOE bulletin feeds (consolidated legislation
// catalog and daily sumario indexes) into a content-addressed local store,
// with an optional Postgres ledger and a polled web dashboard.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	err := NewRootCmd().Execute()
	if err == nil {
		return
	}

	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
