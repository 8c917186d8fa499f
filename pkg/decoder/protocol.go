package decoder

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	replyOK   = "ok"
	replyDone = "done"
)

// finalParser accumulates get-final output one line at a time.
type finalParser struct {
	tokens []Token
}

// feed consumes one line. It returns done=true once the terminating "done"
// line has been seen.
func (p *finalParser) feed(line string) (done bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case line == replyDone:
		return true, nil
	case line == "":
		return false, nil
	case strings.HasPrefix(line, "word:"):
		fields, err := splitFields(line, 3)
		if err != nil {
			return false, err
		}
		start, err := parseSeconds(fields[1], "start")
		if err != nil {
			return false, err
		}
		dur, err := parseSeconds(fields[2], "duration")
		if err != nil {
			return false, err
		}
		p.tokens = append(p.tokens, Token{Word: fields[0], Start: start, Duration: dur})
		return false, nil
	case strings.HasPrefix(line, "phone:"):
		if len(p.tokens) == 0 {
			return false, fmt.Errorf("%w: phone line before any word: %q", ErrProtocol, line)
		}
		fields, err := splitFields(line, 2)
		if err != nil {
			return false, err
		}
		dur, err := parseSeconds(fields[1], "duration")
		if err != nil {
			return false, err
		}
		last := &p.tokens[len(p.tokens)-1]
		last.Phones = append(last.Phones, Phone{Label: fields[0], Duration: dur})
		return false, nil
	default:
		return false, fmt.Errorf("%w: unexpected line %q", ErrProtocol, line)
	}
}

// ParseFinal parses a complete get-final reply. The reply must end with the
// "done" line.
func ParseFinal(lines []string) ([]Token, error) {
	var p finalParser
	for _, line := range lines {
		done, err := p.feed(line)
		if err != nil {
			return nil, err
		}
		if done {
			return p.tokens, nil
		}
	}
	return nil, fmt.Errorf("%w: reply not terminated by %q", ErrProtocol, replyDone)
}

// splitFields splits "key: value / key: value ..." into its n values.
func splitFields(line string, n int) ([]string, error) {
	parts := strings.Split(line, " / ")
	if len(parts) != n {
		return nil, fmt.Errorf("%w: want %d fields in %q", ErrProtocol, n, line)
	}
	values := make([]string, n)
	for i, part := range parts {
		_, v, ok := strings.Cut(part, ": ")
		if !ok {
			return nil, fmt.Errorf("%w: malformed field %q", ErrProtocol, part)
		}
		values[i] = strings.TrimSpace(v)
	}
	return values, nil
}

func parseSeconds(s, field string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", ErrProtocol, field, s)
	}
	return v, nil
}
