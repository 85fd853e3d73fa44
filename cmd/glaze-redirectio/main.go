package main

import (
	"os"

	"github.com/glaze-build/glaze/cmd/glaze-redirectio/redirectio"
)

func main() {
	redirectio.Main(os.Args[1:])
}
