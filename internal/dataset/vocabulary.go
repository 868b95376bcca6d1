package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Vocabulary is the fixed mapping between category names and class ids.
// It is built once, before any batching, and never changes afterwards;
// a trained model's classification head is sized by it.
type Vocabulary struct {
	id2label []string
	label2id map[string]int
}

// NewVocabulary builds a vocabulary from the distinct, non-empty names.
// Records with a blank name must be removed first with DropUnlabeled.
// Ids follow lexical order so the same dataset always yields the same ids.
func NewVocabulary(names []string) (*Vocabulary, error) {
	seen := make(map[string]struct{}, len(names))
	labels := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		labels = append(labels, n)
	}
	if len(labels) == 0 {
		return nil, errors.New("vocabulary: no category names")
	}
	sort.Strings(labels)
	return fromLabels(labels)
}

// VocabularyFromLabels restores a vocabulary whose id order is already fixed,
// as stored in a model artifact.
func VocabularyFromLabels(id2label []string) (*Vocabulary, error) {
	labels := make([]string, len(id2label))
	copy(labels, id2label)
	return fromLabels(labels)
}

func fromLabels(labels []string) (*Vocabulary, error) {
	if len(labels) == 0 {
		return nil, errors.New("vocabulary: no category names")
	}
	label2id := make(map[string]int, len(labels))
	for i, l := range labels {
		if _, dup := label2id[l]; dup {
			return nil, fmt.Errorf("vocabulary: duplicate label %q", l)
		}
		label2id[l] = i
	}
	return &Vocabulary{id2label: labels, label2id: label2id}, nil
}

// Size is the number of classes.
func (v *Vocabulary) Size() int { return len(v.id2label) }

// ID returns the class id of name.
func (v *Vocabulary) ID(name string) (int, bool) {
	id, ok := v.label2id[name]
	return id, ok
}

// Label returns the category name of id.
func (v *Vocabulary) Label(id int) (string, bool) {
	if id < 0 || id >= len(v.id2label) {
		return "", false
	}
	return v.id2label[id], true
}

// Labels returns a copy of the id-ordered category names.
func (v *Vocabulary) Labels() []string {
	out := make([]string, len(v.id2label))
	copy(out, v.id2label)
	return out
}

// MarshalJSON writes the vocabulary as its id-ordered label list.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.id2label)
}

// UnmarshalJSON reads an id-ordered label list.
func (v *Vocabulary) UnmarshalJSON(data []byte) error {
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return err
	}
	restored, err := fromLabels(labels)
	if err != nil {
		return err
	}
	*v = *restored
	return nil
}
