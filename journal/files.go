package journal

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const fileNumberDigits = 10

// FileName returns the name of journal file n: the file number as 10 lowercase hex digits plus FileSuffix.
func FileName(n int16) string {
	return fmt.Sprintf("%0*x%s", fileNumberDigits, n, FileSuffix)
}

// ParseFileName returns the file number encoded in a journal file name.
func ParseFileName(name string) (int16, bool) {
	if len(name) != fileNumberDigits+len(FileSuffix) || !strings.HasSuffix(name, FileSuffix) {
		return 0, false
	}
	n, err := strconv.ParseInt(name[:fileNumberDigits], 16, 16)
	if err != nil || n < 0 {
		return 0, false
	}
	return int16(n), true
}

// ListFiles returns the numbers of the journal files in dir, oldest first.
func ListFiles(dir string) ([]int16, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var numbers []int16
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := ParseFileName(e.Name()); ok {
			numbers = append(numbers, n)
		}
	}
	sort.Slice(numbers, func(i, k int) bool { return numbers[i] < numbers[k] })
	return numbers, nil
}

// obsoleteFiles returns the files strictly older than keepFrom minus the retain window.
func obsoleteFiles(numbers []int16, keepFrom int16, retain int) []int16 {
	limit := int(keepFrom) - retain
	var out []int16
	for _, n := range numbers {
		if int(n) < limit {
			out = append(out, n)
		}
	}
	return out
}

func lastFileNumber(numbers []int16) int16 {
	if len(numbers) == 0 {
		return 0
	}
	return numbers[len(numbers)-1]
}

func nextFileNumber(n int16) (int16, bool) {
	if n == math.MaxInt16 {
		return 0, false
	}
	return n + 1, true
}

// FilePath returns the path of journal file n in dir.
func FilePath(dir string, n int16) string {
	return filepath.Join(dir, FileName(n))
}
