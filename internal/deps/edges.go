// Package deps builds the dependency index: directed blocker -> dependent
// edges merged from the admin edges CSV, per-issue raw blockedBy lists, and
// (for the server backend) a TTL-cached blockers fetch. The index answers
// "are all blockers of this issue closed" against the closed-marker set.
package deps

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
)

// Edge is a single blocker -> dependent relation.
type Edge struct {
	Blocker   int
	Dependent int
}

// headerTokens are the recognized column names, case-insensitive. The first
// column of a recognized pair is the blocker, the second the dependent.
var headerTokens = map[string]bool{
	"from": true, "to": true,
	"src": true, "dst": true,
	"blocker": true, "blocked": true,
	"prereq": true, "dependent": true,
}

// ParseEdgesCSV reads an edges file whose first two columns are blocker and
// dependent; extra columns are ignored. The header row is optional: a first
// row whose cells are both recognized header tokens is skipped. Comment
// lines (#), blank lines, and malformed rows are skipped rather than fatal.
// An unrecognized header like alpha,beta is treated as a malformed data row,
// so such a file yields no edges.
func ParseEdgesCSV(path string) ([]Edge, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.Comment = '#'
	r.TrimLeadingSpace = true

	var edges []Edge
	first := true
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return edges, err
		}
		if len(rec) < 2 {
			continue
		}
		a := strings.TrimSpace(rec[0])
		b := strings.TrimSpace(rec[1])
		if first {
			first = false
			if headerTokens[strings.ToLower(a)] && headerTokens[strings.ToLower(b)] {
				continue
			}
		}
		blocker, err := strconv.Atoi(a)
		if err != nil {
			continue
		}
		dependent, err := strconv.Atoi(b)
		if err != nil {
			continue
		}
		edges = append(edges, Edge{Blocker: blocker, Dependent: dependent})
	}
	return edges, nil
}
