package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type frameKind uint8

const (
	objectFrame frameKind = iota
	arrayFrame
)

type frame struct {
	kind      frameKind
	key       string // last key read in an object
	expectKey bool
	target    bool // the array whose elements are emitted
}

// scanner finds the elements of one array inside a JSON document that arrives
// in pieces. It keeps only the bytes of the element (or key) currently being
// read, so memory stays proportional to the largest element.
//
// Anything before the first '{' or '[' is skipped, which lets it read through
// a leading code fence or a sentence of preamble.
type scanner struct {
	path []string
	data []byte
	pos  int // next unread byte in data
	base int // offset of data[0] in the whole stream

	stack    []frame
	started  bool
	finished bool
	err      error

	inString bool
	escaped  bool
	keyStart int

	elemStart int
	elemDepth int
	scalar    bool

	positions int // target elements seen, valid or not
}

func newScanner(path string) *scanner {
	var parts []string
	if path = strings.TrimSpace(path); path != "" {
		parts = strings.Split(path, ".")
	}
	return &scanner{path: parts, keyStart: -1, elemStart: -1}
}

// feed scans chunk and returns the raw bytes of every target element it
// completes. A syntax error is returned once; after that, and after the
// document closes, input is ignored.
func (s *scanner) feed(chunk string) ([][]byte, error) {
	if s.err != nil || s.finished {
		return nil, nil
	}
	s.data = append(s.data, chunk...)

	var out [][]byte
	for ; s.pos < len(s.data); s.pos++ {
		c := s.data[s.pos]

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
				if s.keyStart >= 0 {
					if err := s.endKey(); err != nil {
						return out, s.fail(err)
					}
				}
			}
			continue
		}

		if !s.started {
			if c != '{' && c != '[' {
				continue
			}
			s.started = true
		}

		switch c {
		case ' ', '\t', '\n', '\r':
		case '"':
			s.inString = true
			if top := s.top(); top != nil && top.kind == objectFrame && top.expectKey {
				s.keyStart = s.pos
			} else {
				s.beginValue(true)
			}
		case '{':
			s.beginValue(false)
			s.stack = append(s.stack, frame{kind: objectFrame, expectKey: true})
		case '[':
			s.beginValue(false)
			s.stack = append(s.stack, frame{kind: arrayFrame, target: s.elemStart < 0 && s.atPath()})
		case '}', ']':
			want := objectFrame
			if c == ']' {
				want = arrayFrame
			}
			top := s.top()
			if top == nil || top.kind != want {
				return out, s.fail(fmt.Errorf("unexpected %q at offset %d", c, s.base+s.pos))
			}
			if top.target && s.elemStart >= 0 && s.scalar {
				out = s.emit(out, s.pos)
			}
			s.stack = s.stack[:len(s.stack)-1]
			if s.elemStart >= 0 && !s.scalar && len(s.stack) == s.elemDepth {
				out = s.emit(out, s.pos+1)
			}
			if len(s.stack) == 0 {
				s.finished = true
				s.data = nil
				return out, nil
			}
		case ':':
			if top := s.top(); top == nil || top.kind != objectFrame {
				return out, s.fail(fmt.Errorf("unexpected ':' at offset %d", s.base+s.pos))
			}
		case ',':
			top := s.top()
			switch {
			case top == nil:
			case top.kind == objectFrame:
				top.expectKey = true
			case top.target && s.elemStart >= 0 && s.scalar:
				out = s.emit(out, s.pos)
			}
		default:
			s.beginValue(true)
		}
	}

	s.compact()
	return out, nil
}

func (s *scanner) top() *frame {
	if len(s.stack) == 0 {
		return nil
	}
	return &s.stack[len(s.stack)-1]
}

// atPath reports whether a value starting now sits at the configured path:
// every enclosing container is an object and their keys spell the path.
func (s *scanner) atPath() bool {
	if len(s.stack) != len(s.path) {
		return false
	}
	for i, f := range s.stack {
		if f.kind != objectFrame || f.key != s.path[i] {
			return false
		}
	}
	return true
}

func (s *scanner) beginValue(scalar bool) {
	top := s.top()
	if top == nil || !top.target || s.elemStart >= 0 {
		return
	}
	s.elemStart = s.pos
	s.elemDepth = len(s.stack)
	s.scalar = scalar
}

func (s *scanner) emit(out [][]byte, end int) [][]byte {
	raw := bytes.TrimSpace(s.data[s.elemStart:end])
	s.elemStart = -1
	s.positions++
	item := make([]byte, len(raw))
	copy(item, raw)
	return append(out, item)
}

func (s *scanner) endKey() error {
	var key string
	if err := json.Unmarshal(s.data[s.keyStart:s.pos+1], &key); err != nil {
		return fmt.Errorf("invalid object key at offset %d: %w", s.base+s.keyStart, err)
	}
	s.keyStart = -1
	if top := s.top(); top != nil {
		top.key = key
		top.expectKey = false
	}
	return nil
}

// compact drops bytes nothing refers to any more.
func (s *scanner) compact() {
	keep := s.pos
	if s.elemStart >= 0 && s.elemStart < keep {
		keep = s.elemStart
	}
	if s.keyStart >= 0 && s.keyStart < keep {
		keep = s.keyStart
	}
	if keep == 0 {
		return
	}
	n := copy(s.data, s.data[keep:])
	s.data = s.data[:n]
	s.pos -= keep
	s.base += keep
	if s.elemStart >= 0 {
		s.elemStart -= keep
	}
	if s.keyStart >= 0 {
		s.keyStart -= keep
	}
}

func (s *scanner) fail(err error) error {
	s.err = err
	s.data = nil
	return err
}
