package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/drpcorg/stubindex"
	"github.com/drpcorg/stubindex/examples"
	"github.com/drpcorg/stubindex/repl"
	"github.com/drpcorg/stubindex/utils"
)

// Usage: stubindex [dir] [http address]
func main() {
	dir := "stubindex.db"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	defs, err := examples.Definitions()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-2)
	}
	log := utils.NewDefaultLogger(slog.LevelInfo)
	idx, err := stubindex.Open(dir, stubindex.Options{
		Definitions: defs,
		Indexer:     examples.Indexer{},
		Logger:      log,
		StableIndex: true,
		InternNames: true,
	})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	for _, kind := range examples.Kinds() {
		if _, err := idx.RegisterKind(kind); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			_ = idx.Close()
			os.Exit(-1)
		}
	}

	shell := &repl.REPL{Index: idx}
	if len(os.Args) > 2 {
		handler, err := repl.Handler(shell)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			_ = idx.Close()
			os.Exit(-1)
		}
		go func() {
			log.Info("serving", "addr", os.Args[2])
			if err := http.ListenAndServe(os.Args[2], handler); err != nil {
				log.Error("http server stopped", "err", err)
			}
		}()
	}

	if err := shell.Open(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		_ = idx.Close()
		os.Exit(-1)
	}
	shell.Run()
	_ = shell.Close()

	if err := idx.Close(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
}
