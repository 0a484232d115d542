// Package repl is an inspection shell over a stub index.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drpcorg/stubindex"
	"github.com/ergochat/readline"
)

// REPL per se.
type REPL struct {
	Index *stubindex.Index
	Out   io.Writer
	// Ctx bounds updates issued from the shell; nil means background.
	Ctx context.Context
	rl  *readline.Instance
}

func (repl *REPL) context() context.Context {
	if repl.Ctx == nil {
		return context.Background()
	}
	return repl.Ctx
}

var ErrUsage = errors.New("usage")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("index"),
	readline.PcItem("remove"),
	readline.PcItem("changed"),

	readline.PcItem("files"),
	readline.PcItem("query"),
	readline.PcItem("ids"),
	readline.PcItem("tree"),
	readline.PcItem("hash"),

	readline.PcItem("dump"),
	readline.PcItem("epoch"),
	readline.PcItem("repair"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".stubindex_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	if repl.Out == nil {
		repl.Out = os.Stdout
	}
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// REPL reads and executes one line. io.EOF means the session is over.
func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	return repl.Execute(line)
}

// Execute runs one command line.
func (repl *REPL) Execute(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		return repl.CommandHelp(args)
	// ----- updates -----
	case "index":
		return repl.CommandIndex(args)
	case "remove", "rm":
		return repl.CommandRemove(args)
	case "changed":
		return repl.CommandChanged(args)
	// ----- queries -----
	case "files", "ls":
		return repl.CommandFiles(args)
	case "query":
		return repl.CommandQuery(args)
	case "ids":
		return repl.CommandIDs(args)
	case "tree", "cat":
		return repl.CommandTree(args)
	case "hash":
		return repl.CommandHash(args)
	// ----- debug -----
	case "dump":
		return repl.CommandDump(args)
	case "epoch":
		return repl.CommandEpoch(args)
	case "repair":
		return repl.CommandRepair(args)
	case "exit", "quit":
		return io.EOF
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return nil
}

// Run loops until exit or end of input.
func (repl *REPL) Run() {
	for {
		err := repl.REPL()
		if err == io.EOF {
			return
		}
		if err != nil {
			_, _ = fmt.Fprintf(repl.Out, "%s\n", err.Error())
		}
	}
}
