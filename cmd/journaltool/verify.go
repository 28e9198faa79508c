package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mit.edu/dsg/journaldb/common"
	"mit.edu/dsg/journaldb/journal"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "verify <journal dir>",
		Short:   "Checks the checksums of every entry in a journal directory",
		Example: "journaltool verify /var/lib/journaldb/journal",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return verifyDir(cmd.OutOrStdout(), args[0])
		},
	}
}

// fileReport summarizes one journal file.
type fileReport struct {
	fileNumber int16
	entries    int
	last       common.Lsn
	tornTail   bool
}

func (r fileReport) String() string {
	s := fmt.Sprintf("%s: %d entries, last %s", journal.FileName(r.fileNumber), r.entries, r.last)
	if r.tornTail {
		s += ", torn tail"
	}
	return s
}

func verifyFile(dir string, n int16, registry *journal.Registry) (fileReport, error) {
	report := fileReport{fileNumber: n, last: common.InvalidLsn}
	r, err := journal.OpenReader(journal.FilePath(dir, n), n, registry)
	if err != nil {
		return report, err
	}
	defer r.Close()
	for {
		l, err := r.NextEntry()
		if err != nil {
			return report, err
		}
		if l == nil {
			break
		}
		report.entries++
		report.last = l.Lsn()
	}
	report.tornTail = r.TornTail()
	return report, nil
}

// verifyDir reads every entry of every journal file in dir. A torn tail is only acceptable in the newest
// file, where it is the trace of a crash.
func verifyDir(w io.Writer, dir string) error {
	files, err := journal.ListFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(w, "no journal files in %s\n", dir)
		return nil
	}
	registry, err := dumpRegistry()
	if err != nil {
		return err
	}
	for i, n := range files {
		report, err := verifyFile(dir, n, registry)
		if err != nil {
			return fmt.Errorf("%s: %w", journal.FileName(n), err)
		}
		fmt.Fprintln(w, report)
		if report.tornTail && i != len(files)-1 {
			return fmt.Errorf("%s: torn entry in a journal file that is not the newest", journal.FileName(n))
		}
	}
	return nil
}
