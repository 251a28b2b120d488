package main

import (
	"os"
	"runtime/debug"

	"github.com/mezonai/combinedb/cmd"
	"github.com/mezonai/combinedb/logx"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			_ = logx.Errorf("COMBINEDB CRASHED: %v\n%s", r, debug.Stack())
			os.Exit(1)
		}
	}()

	cmd.Execute()
}
