package jsonfs

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
)

var (
	firstDigits = regexp.MustCompile(`\d+`)
	requestName = regexp.MustCompile(`^(\d+)-(\d+)-(\d+)\.json$`)
)

// NextName allocates the next name in a numbered sequence. It extracts the
// first run of decimal digits from each existing name, takes the maximum,
// and substitutes max+1 (0 when existing is empty) for the ${index}
// placeholder in template. Names without digits are skipped.
func NextName(existing []string, template string) string {
	next := 0
	for _, name := range existing {
		digits := firstDigits.FindString(name)
		if digits == "" {
			continue
		}
		if n, err := strconv.Atoi(digits); err == nil && n+1 > next {
			next = n + 1
		}
	}
	return strings.ReplaceAll(template, "${index}", strconv.Itoa(next))
}

// NameIndex returns the numeric component of a name allocated by NextName,
// -1 when the name carries none.
func NameIndex(name string) int {
	digits := firstDigits.FindString(name)
	if digits == "" {
		return -1
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return -1
	}
	return n
}

// requestCounter disambiguates request files written by this process within
// the same millisecond. Process-wide so that every repository instance in
// the process draws from one sequence.
var requestCounter atomic.Uint64

// RequestFileName builds a request filename unique across all writer
// processes sharing a data directory: epoch milliseconds, pid, and a
// process-local counter.
func RequestFileName(epoch int64) string {
	return fmt.Sprintf("%d-%d-%d.json", epoch, os.Getpid(), requestCounter.Add(1)-1)
}
