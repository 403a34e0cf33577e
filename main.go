// Package main is entrypoint for the application
package main

import (
	"fmt"

	"duo/cmd"
)

func main() {
	cmd.Run()
	fmt.Println("duo end")
}
