package main

import (
	"fmt"
	"os"

	tagbatch "github.com/thrawn01/tagbatch"
)

func main() {
	if err := tagbatch.RunCmd(os.Args, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
