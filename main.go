package main

import (
	"fmt"
	"os"

	"github.com/bobuhiro11/refvmm/flag"
)

func main() {
	if err := flag.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
