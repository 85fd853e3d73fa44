package main

import (
	"github.com/glaze-build/glaze/linters"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(linters.YamlJSONTagsMatch)
}
