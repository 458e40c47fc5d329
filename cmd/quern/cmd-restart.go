package main

import (
	"github.com/quernlabs/quern/internal/daemon"
)

type cmdRestart struct {
	cmdStart
}

func (cmd cmdRestart) Execute(args []string) error {
	if err := daemon.Stop(); err != nil {
		return err
	}
	return cmd.cmdStart.Execute(args)
}
