// Command mtl-portctl is an operator CLI for opening ports against one of
// the four backends and exercising a loopback video session without
// writing Go. It is a thin wrapper around the mtl package: every verb maps
// to one Engine/Port/Session call.
package main

import "github.com/OpenVisualCloud/go-mtl/cmd/mtl-portctl/cmd"

func main() {
	cmd.Execute()
}
