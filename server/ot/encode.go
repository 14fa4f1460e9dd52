package ot

import (
	"fmt"
	"strconv"
	"strings"
)

// String returns the canonical encoding of cs, e.g. (5->11)[0-5," world"].
// Inserts are Go-quoted strings, retains are "start-end" and removes are
// "-start-end".
func (cs Changeset) String() string {
	var b strings.Builder
	b.WriteByte('(')
	b.WriteString(strconv.Itoa(cs.inputLength))
	b.WriteString("->")
	b.WriteString(strconv.Itoa(cs.OutputLength()))
	b.WriteString(")[")
	for i, s := range cs.strips {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s.String())
	}
	b.WriteByte(']')
	return b.String()
}

func (cs Changeset) MarshalText() ([]byte, error) {
	return []byte(cs.String()), nil
}

func (cs *Changeset) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*cs = parsed
	return nil
}

// Parse decodes a changeset encoded by String. Whitespace between tokens is
// ignored. Errors are of type *ParseError.
func Parse(s string) (Changeset, error) {
	p := &parser{input: s, rest: s}
	cs, err := p.changeset()
	if err != nil {
		return Changeset{}, &ParseError{Input: s, Err: err}
	}
	return cs, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Changeset {
	cs, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return cs
}

type parser struct {
	input string
	rest  string
}

func (p *parser) skipSpace() {
	p.rest = strings.TrimLeft(p.rest, " \t\r\n")
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.rest == "" {
		return 0
	}
	return p.rest[0]
}

func (p *parser) expect(tok string) error {
	p.skipSpace()
	if !strings.HasPrefix(p.rest, tok) {
		return p.errorf("expected %q", tok)
	}
	p.rest = p.rest[len(tok):]
	return nil
}

func (p *parser) number() (int, error) {
	p.skipSpace()
	n := 0
	for n < len(p.rest) && p.rest[n] >= '0' && p.rest[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, p.errorf("expected number")
	}
	v, err := strconv.Atoi(p.rest[:n])
	if err != nil {
		return 0, err
	}
	p.rest = p.rest[n:]
	return v, nil
}

// rangeStrip parses "start-end".
func (p *parser) rangeStrip() (int, int, error) {
	start, err := p.number()
	if err != nil {
		return 0, 0, err
	}
	if err := p.expect("-"); err != nil {
		return 0, 0, err
	}
	end, err := p.number()
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func (p *parser) strip() (Strip, error) {
	switch p.peek() {
	case '"':
		quoted, err := strconv.QuotedPrefix(p.rest)
		if err != nil {
			return nil, p.errorf("bad string literal")
		}
		value, err := strconv.Unquote(quoted)
		if err != nil {
			return nil, err
		}
		p.rest = p.rest[len(quoted):]
		return Insert{value}, nil
	case '-':
		p.rest = p.rest[1:]
		start, end, err := p.rangeStrip()
		if err != nil {
			return nil, err
		}
		return Remove{start, end}, nil
	default:
		start, end, err := p.rangeStrip()
		if err != nil {
			return nil, err
		}
		return Retain{start, end}, nil
	}
}

func (p *parser) changeset() (Changeset, error) {
	if err := p.expect("("); err != nil {
		return Changeset{}, err
	}
	inputLength, err := p.number()
	if err != nil {
		return Changeset{}, err
	}
	if err := p.expect("->"); err != nil {
		return Changeset{}, err
	}
	outputLength, err := p.number()
	if err != nil {
		return Changeset{}, err
	}
	if err := p.expect(")"); err != nil {
		return Changeset{}, err
	}
	if err := p.expect("["); err != nil {
		return Changeset{}, err
	}
	var strips []Strip
	if p.peek() == ']' {
		p.rest = p.rest[1:]
	} else {
		for {
			s, err := p.strip()
			if err != nil {
				return Changeset{}, err
			}
			strips = append(strips, s)
			if p.peek() == ']' {
				p.rest = p.rest[1:]
				break
			}
			if err := p.expect(","); err != nil {
				return Changeset{}, err
			}
		}
	}
	if p.skipSpace(); p.rest != "" {
		return Changeset{}, p.errorf("trailing input")
	}
	cs, err := New(inputLength, strips...)
	if err != nil {
		return Changeset{}, err
	}
	if cs.OutputLength() != outputLength {
		return Changeset{}, fmt.Errorf("declared output length %d does not match strips (%d)", outputLength, cs.OutputLength())
	}
	return cs, nil
}

func (p *parser) errorf(msg string, v ...interface{}) error {
	offset := len(p.input) - len(p.rest)
	return fmt.Errorf("offset %d: %s", offset, fmt.Sprintf(msg, v...))
}
