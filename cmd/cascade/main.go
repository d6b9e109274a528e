// cascade drives a mission through CEO, manager and worker stages.
//
// Usage:
//
//	cascade init                      create config.yaml and the project folders
//	cascade seed "Build X"            split a mission into team specs
//	cascade tick                      run one plan, execute, summarize pass
//	cascade loop [--interval 30s]     tick until interrupted
//	cascade run --role ROLE ...       run a single stage for one spec
//	cascade stop|resume FILE          pause or resume a team
//	cascade status                    print the team tree
//	cascade validate [FILE...]        check spec documents
//	cascade serve [--loop]            HTTP dashboard
//	cascade watch                     terminal dashboard
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cascade:", err)
		os.Exit(1)
	}
}
