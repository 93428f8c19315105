// Command leech downloads the content of a single torrent file to the
// current directory.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"

	"atleech/internal/coordinator"
	"atleech/internal/metainfo"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <path-to-torrent-file>\n", filepath.Base(os.Args[0]))
		os.Exit(1)
	}

	path := os.Args[1]

	info, err := metainfo.Load(path)
	if err != nil {
		log.Fatalf("%v\n", err)
	}

	colorstring.Printf("[green]leeching[reset] %s [yellow](%d bytes, %d pieces)[reset]\n",
		info.Name(), info.TotalSize(), info.NumPieces())

	c, err := coordinator.New(info, ".")
	if err != nil {
		log.Fatalf("%v\n", err)
	}

	if err := c.Run(); err != nil {
		fmt.Fprint(os.Stderr, colorstring.Color(fmt.Sprintf("[red]failed:[reset] %v\n", err)))
		os.Exit(1)
	}

	colorstring.Printf("[green]done:[reset] %s\n", info.Name())
}
