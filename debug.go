package stubindex

import (
	"fmt"
	"io"

	"github.com/drpcorg/stubindex/fwdindex"
)

func (i *Index) DumpAll(writer io.Writer) {
	i.DumpFiles(writer)
	fmt.Fprintln(writer, "")
	for _, key := range i.opts.Definitions.Keys() {
		i.DumpIndex(writer, key)
	}
	fmt.Fprintln(writer, "")
	i.DumpRegistry(writer)
}

// DumpFiles writes one line per stored file: id, byte sizes, content hash.
// Files awaiting a rebuild are listed as stale.
func (i *Index) DumpFiles(writer io.Writer) {
	for fileID := range i.Files() {
		st, err := i.Stubs(fileID)
		if err != nil {
			fmt.Fprintf(writer, "%d\t%v\n", fileID, err)
			continue
		}
		if st == nil {
			fmt.Fprintf(writer, "%d\tstale\n", fileID)
			continue
		}
		fmt.Fprintf(writer, "%d\ttree:%d\tindex:%d\t%x\n", fileID, len(st.TreeBytes()), len(st.IndexBytes()), st.ContentHash())
	}
}

func (i *Index) DumpIndex(writer io.Writer, key fwdindex.IndexKey) {
	for dk, fileID := range i.inverted.Keys(key) {
		fmt.Fprintf(writer, "%s\t%v\t%d\n", key, dk, fileID)
	}
}

func (i *Index) DumpRegistry(writer io.Writer) {
	fmt.Fprintln(writer, "epoch", i.registry.Epoch(), "corrupted", i.registry.Corruption().Corrupted())
	for _, name := range i.registry.Registered() {
		id, ok := i.registry.IDOf(name)
		if !ok {
			fmt.Fprintf(writer, "%s\t-\n", name)
			continue
		}
		fmt.Fprintf(writer, "%s\t%d\n", name, id)
	}
	tasks, err := i.rebuild.Tasks()
	if err != nil {
		fmt.Fprintln(writer, "tasks:", err)
		return
	}
	for _, task := range tasks {
		fmt.Fprintf(writer, "rebuild %s\t%s\trev %d\t%s\t%s\n", task.Reason, task.Status(), task.Revision, task.LastUpdate.Format("2006-01-02 15:04:05"), task.Cause)
	}
}
