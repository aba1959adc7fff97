package main

import "github.com/openfork/openfork/cmd"

func main() {
	cmd.Execute()
}
