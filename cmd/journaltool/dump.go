package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"mit.edu/dsg/journaldb/indexing"
	"mit.edu/dsg/journaldb/journal"
	"mit.edu/dsg/journaldb/storage"
)

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "dump <journal file>",
		Short:   "Prints every entry of a journal file",
		Example: "journaltool dump /var/lib/journaldb/journal/0000000001.log",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpFile(cmd.OutOrStdout(), args[0])
		},
	}
}

// dumpRegistry knows every entry type but binds them to no storage. Its entries can be decoded and
// printed, not applied.
func dumpRegistry() (*journal.Registry, error) {
	registry := journal.NewRegistry()
	if err := storage.RegisterLoggables(registry, nil); err != nil {
		return nil, err
	}
	if err := indexing.RegisterLoggables(registry, nil); err != nil {
		return nil, err
	}
	return registry, nil
}

func dumpFile(w io.Writer, path string) error {
	n, ok := journal.ParseFileName(filepath.Base(path))
	if !ok {
		return fmt.Errorf("%s is not a journal file name", path)
	}
	registry, err := dumpRegistry()
	if err != nil {
		return err
	}
	r, err := journal.OpenReader(path, n, registry)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		l, err := r.NextEntry()
		if err != nil {
			return err
		}
		if l == nil {
			break
		}
		fmt.Fprintln(w, l.Dump())
	}
	if r.TornTail() {
		fmt.Fprintf(w, "torn entry at offset %d\n", r.Offset())
	}
	return nil
}
