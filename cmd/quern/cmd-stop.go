package main

import (
	"github.com/fatih/color"

	"github.com/quernlabs/quern/internal/daemon"
)

type cmdStop struct{}

func (cmd cmdStop) Execute(_ []string) error {
	if err := daemon.Stop(); err != nil {
		color.Red("stop failed: %v", err)
		return err
	}
	return nil
}
