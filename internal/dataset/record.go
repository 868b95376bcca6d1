// Package dataset holds the raw food records, the label vocabulary built
// from them, and the sources they are loaded from.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"strings"
)

// Record is one row of the food dataset. Column names follow the source.
type Record struct {
	ImageURL  string `json:"imgurl"`
	Name      string `json:"name"`
	Nutrition string `json:"nutritions"`
}

// Names returns the category name of every record, in order.
func Names(records []Record) []string {
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Name
	}
	return names
}

// DropUnlabeled returns the records that have a category name. Records
// with a blank name cannot be given a class id and are logged and dropped.
func DropUnlabeled(records []Record) []Record {
	kept := make([]Record, 0, len(records))
	for i, r := range records {
		if strings.TrimSpace(r.Name) == "" {
			log.Printf("[Dataset] Dropping record %d (%s): empty category name", i, r.ImageURL)
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// LoadJSONL reads records from a file with one JSON object per line.
func LoadJSONL(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	return ReadJSONL(f)
}

// ReadJSONL decodes records from r. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: failed to parse record: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	return records, nil
}

// Split shuffles a copy of records with a seeded source and holds out
// testSize of them for evaluation. At least one record goes to each side
// when there are two or more records.
func Split(records []Record, testSize float64, seed uint64) (train, test []Record) {
	n := len(records)
	shuffled := make([]Record, n)
	copy(shuffled, records)

	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(n, func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	nTest := int(math.Ceil(float64(n) * testSize))
	if n >= 2 {
		nTest = max(1, min(nTest, n-1))
	} else {
		nTest = 0
	}
	return shuffled[nTest:], shuffled[:nTest]
}
