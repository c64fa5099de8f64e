// Command archivepipe はアーカイブ取り込みパイプラインのエントリーポイント。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/archivepipe/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "archivepipe: %v\n", err)
		os.Exit(1)
	}
}
