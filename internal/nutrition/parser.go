// Package nutrition turns the free-text nutrition column of the food dataset
// into a fixed-size numeric vector.
//
// The column holds a mapping literal such as
//
//	{'Calories': '250 kcal', 'Protein': '10 g'}
//
// which is read by a restricted tokenizer that only ever yields string and
// number leaves. Nothing in the text is evaluated.
package nutrition

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrSyntax is returned when the text is not a flat mapping literal.
	ErrSyntax = errors.New("nutrition: syntax error")
	// ErrValue is returned when a field does not start with a finite number.
	ErrValue = errors.New("nutrition: invalid value")
)

// Field positions inside a Vector.
const (
	Calories = iota
	Protein
	Fat
	Carbohydrates
	Fiber

	NumFields
)

// Vector is the fixed-order nutrition estimate for one serving:
// calories, protein, fat, carbohydrates, fiber.
type Vector [NumFields]float64

var fields = [NumFields]struct {
	key      string
	fallback string
}{
	{"Calories", "0 kcal"},
	{"Protein", "0 g"},
	{"Fat", "0 g"},
	{"Carbohydrates", "0 g"},
	{"Fiber", "0 g"},
}

// Names returns the dataset key of every field in vector order.
func Names() []string {
	names := make([]string, NumFields)
	for i, f := range fields {
		names[i] = f.key
	}
	return names
}

// Parse extracts the five nutrition fields from text. A missing key is read
// as "0 <unit>", so it yields 0.0. A present key whose first whitespace token
// is not a finite number fails the whole record.
func Parse(text string) (Vector, error) {
	var vec Vector

	m, err := parseMapping(text)
	if err != nil {
		return vec, err
	}

	for i, f := range fields {
		raw, ok := m[f.key]
		if !ok {
			raw = f.fallback
		}
		v, err := magnitude(raw)
		if err != nil {
			return Vector{}, fmt.Errorf("%s: %w", f.key, err)
		}
		vec[i] = v
	}
	return vec, nil
}

// magnitude reads the leading number of a "<number> <unit>" string.
func magnitude(s string) (float64, error) {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return 0, fmt.Errorf("%w: empty value", ErrValue)
	}
	v, err := strconv.ParseFloat(tokens[0], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrValue, tokens[0])
	}
	return v, nil
}

type scanner struct {
	src string
	pos int
}

func parseMapping(src string) (map[string]string, error) {
	sc := &scanner{src: src}
	out := make(map[string]string)

	sc.skipSpace()
	if !sc.consume('{') {
		return nil, sc.errorf("expected '{'")
	}
	sc.skipSpace()
	if !sc.consume('}') {
		for {
			key, err := sc.leaf()
			if err != nil {
				return nil, err
			}
			sc.skipSpace()
			if !sc.consume(':') {
				return nil, sc.errorf("expected ':'")
			}
			val, err := sc.leaf()
			if err != nil {
				return nil, err
			}
			out[key] = val

			sc.skipSpace()
			if sc.consume(',') {
				sc.skipSpace()
				if sc.consume('}') {
					break
				}
				continue
			}
			if sc.consume('}') {
				break
			}
			return nil, sc.errorf("expected ',' or '}'")
		}
	}

	sc.skipSpace()
	if sc.pos != len(sc.src) {
		return nil, sc.errorf("trailing input")
	}
	return out, nil
}

func (sc *scanner) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, sc.pos, fmt.Sprintf(format, args...))
}

func (sc *scanner) skipSpace() {
	for sc.pos < len(sc.src) {
		switch sc.src[sc.pos] {
		case ' ', '\t', '\n', '\r':
			sc.pos++
		default:
			return
		}
	}
}

func (sc *scanner) consume(c byte) bool {
	if sc.pos < len(sc.src) && sc.src[sc.pos] == c {
		sc.pos++
		return true
	}
	return false
}

func (sc *scanner) leaf() (string, error) {
	sc.skipSpace()
	if sc.pos >= len(sc.src) {
		return "", sc.errorf("unexpected end of input")
	}
	switch c := sc.src[sc.pos]; {
	case c == '\'' || c == '"':
		return sc.quoted(c)
	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		return sc.number()
	default:
		return "", sc.errorf("unexpected %q", c)
	}
}

func (sc *scanner) quoted(quote byte) (string, error) {
	sc.pos++
	var b strings.Builder
	for {
		if sc.pos >= len(sc.src) {
			return "", sc.errorf("unterminated string")
		}
		c := sc.src[sc.pos]
		switch c {
		case quote:
			sc.pos++
			return b.String(), nil
		case '\n':
			return "", sc.errorf("newline in string")
		case '\\':
			sc.pos++
			if sc.pos >= len(sc.src) {
				return "", sc.errorf("unterminated escape")
			}
			switch e := sc.src[sc.pos]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(e)
			default:
				b.WriteByte('\\')
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
		sc.pos++
	}
}

func (sc *scanner) number() (string, error) {
	start := sc.pos
	for sc.pos < len(sc.src) {
		c := sc.src[sc.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			sc.pos++
			continue
		}
		break
	}
	tok := sc.src[start:sc.pos]
	if _, err := strconv.ParseFloat(tok, 64); err != nil {
		sc.pos = start
		return "", sc.errorf("malformed number %q", tok)
	}
	return tok, nil
}
