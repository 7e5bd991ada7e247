package main

import "github.com/blackmagic-debug/bmputil/cmd/bmputil/cmd"

func main() {
	cmd.Execute()
}
