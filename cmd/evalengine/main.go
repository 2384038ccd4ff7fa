// Command evalengine runs the evaluation orchestrator: the dispatch
// loop, the collector loop/finaliser, and the timeout sweeper, fronted
// by a small cobra CLI (start/stop/status).
package main

import (
	"context"
	"os"

	"github.com/cortexscore/evalengine/cmd/evalengine/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
