package repl

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/drpcorg/stubindex"
	"github.com/drpcorg/stubindex/examples"
	"github.com/drpcorg/stubindex/fwdindex"
	"github.com/drpcorg/stubindex/stubtree"
)

var HelpIndex = errors.New("index <file id> <outline path>")

var HelpRemove = errors.New("remove <file id>")

var HelpChanged = errors.New("changed <file id> <outline path>")

var HelpQuery = errors.New("query <index> <key>")

var HelpIDs = errors.New("ids <file id> <index> <key>")

var HelpTree = errors.New("tree <file id>")

var HelpHash = errors.New("hash <file id>")

var helps = []error{HelpIndex, HelpRemove, HelpChanged, HelpQuery, HelpIDs, HelpTree, HelpHash}

func (repl *REPL) CommandHelp(args []string) error {
	for _, h := range helps {
		_, _ = fmt.Fprintln(repl.Out, h.Error())
	}
	_, _ = fmt.Fprintln(repl.Out, "files | dump | epoch | repair | exit")
	return nil
}

func parseFileID(arg string) (stubindex.FileID, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad file id %q", arg)
	}
	return stubindex.FileID(id), nil
}

// parseDataKey reads a data key in the partition's key type.
func (repl *REPL) parseDataKey(index, arg string) (fwdindex.IndexKey, fwdindex.DataKey, error) {
	key := fwdindex.IndexKey(index)
	def, ok := repl.Index.Serializer().Index().Definitions().Get(key)
	if !ok {
		return key, nil, fmt.Errorf("no index %q", index)
	}
	if _, numeric := def.Keys.(fwdindex.Ordered[int64]); numeric {
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return key, nil, fmt.Errorf("index %s wants a number: %w", index, err)
		}
		return key, n, nil
	}
	return key, arg, nil
}

func parseOutline(path string) (*examples.FileStub, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return examples.Parse(path, f)
}

func (repl *REPL) report(problems *stubindex.Problems) {
	for _, p := range problems.List() {
		_, _ = fmt.Fprintf(repl.Out, "problem: file %d: %v\n", p.FileID, p.Err)
	}
}

func (repl *REPL) printDiff(diff stubindex.Diff) {
	if !diff.Changed {
		_, _ = fmt.Fprintf(repl.Out, "file %d unchanged\n", diff.FileID)
		return
	}
	_, _ = fmt.Fprintf(repl.Out, "file %d changed\n", diff.FileID)
	for _, d := range diff.Deltas {
		_, _ = fmt.Fprintf(repl.Out, "  %s -%v +%v\n", d.Index, d.Removed, d.Added)
	}
}

func (repl *REPL) CommandIndex(args []string) error {
	if len(args) != 2 {
		return HelpIndex
	}
	fileID, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	root, err := parseOutline(args[1])
	if err != nil {
		return err
	}
	problems := &stubindex.Problems{}
	diff, err := repl.Index.IndexFile(repl.context(), fileID, root, problems)
	repl.report(problems)
	if err != nil {
		return err
	}
	repl.printDiff(diff)
	return nil
}

func (repl *REPL) CommandRemove(args []string) error {
	if len(args) != 1 {
		return HelpRemove
	}
	fileID, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	problems := &stubindex.Problems{}
	diff, err := repl.Index.RemoveFile(repl.context(), fileID, problems)
	repl.report(problems)
	if err != nil {
		return err
	}
	repl.printDiff(diff)
	return nil
}

func (repl *REPL) CommandChanged(args []string) error {
	if len(args) != 2 {
		return HelpChanged
	}
	fileID, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	root, err := parseOutline(args[1])
	if err != nil {
		return err
	}
	changed, err := repl.Index.FileChanged(fileID, root)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(repl.Out, changed)
	return nil
}

func (repl *REPL) CommandFiles(args []string) error {
	repl.Index.DumpFiles(repl.Out)
	return nil
}

func (repl *REPL) CommandQuery(args []string) error {
	if len(args) != 2 {
		return HelpQuery
	}
	key, dk, err := repl.parseDataKey(args[0], args[1])
	if err != nil {
		return err
	}
	files, err := repl.Index.Query(key, dk)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, strconv.FormatUint(uint64(f), 10))
	}
	_, _ = fmt.Fprintf(repl.Out, "[%s]\n", strings.Join(ids, " "))
	return nil
}

func (repl *REPL) CommandIDs(args []string) error {
	if len(args) != 3 {
		return HelpIDs
	}
	fileID, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	key, dk, err := repl.parseDataKey(args[1], args[2])
	if err != nil {
		return err
	}
	ids, ok, err := repl.Index.StubIDs(fileID, key, dk)
	if err != nil {
		return err
	}
	if !ok {
		_, _ = fmt.Fprintln(repl.Out, "none")
		return nil
	}
	_, _ = fmt.Fprintln(repl.Out, ids)
	return nil
}

func (repl *REPL) CommandTree(args []string) error {
	if len(args) != 1 {
		return HelpTree
	}
	fileID, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	root, err := repl.Index.Tree(fileID)
	if err != nil {
		return err
	}
	stubtree.Dump(repl.Out, root)
	return nil
}

func (repl *REPL) CommandHash(args []string) error {
	if len(args) != 1 {
		return HelpHash
	}
	fileID, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	st, err := repl.Index.Stubs(fileID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("file %d is not indexed", fileID)
	}
	_, _ = fmt.Fprintf(repl.Out, "%x %016x\n", st.ContentHash(), st.Hash64())
	return nil
}

func (repl *REPL) CommandDump(args []string) error {
	repl.Index.DumpAll(repl.Out)
	return nil
}

func (repl *REPL) CommandEpoch(args []string) error {
	_, _ = fmt.Fprintf(repl.Out, "%s corrupted:%v pending:%v\n",
		repl.Index.Epoch(), repl.Index.Registry().Corruption().Corrupted(), repl.Index.Rebuilds().Pending())
	return nil
}

func (repl *REPL) CommandRepair(args []string) error {
	if err := repl.Index.Reinitialize(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(repl.Out, "registry reinitialized, epoch %s\n", repl.Index.Epoch())
	return nil
}
