package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ruchi-nb/full-matata-sub000/internal/bootstrap"
)

func main() {
	if err := bootstrap.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}
