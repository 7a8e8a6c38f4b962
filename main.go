package main

import (
	"os"

	"github.com/Foundation-Devices/devtask/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
