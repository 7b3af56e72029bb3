// Package main provides the fieldsync CLI.
package main

import "github.com/mesh-intelligence/fieldsync/internal/cli"

func main() {
	cli.Execute()
}
