package main

import "github.com/mrcode/aidloop/internal/cmd"

func main() {
	cmd.Execute()
}
