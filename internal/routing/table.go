package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Rule associates a literal file name token with the addresses that receive matching files.
type Rule struct {
	Match     string   `json:"match"`
	Addresses []string `json:"addresses"`
}

// Table is an ordered, read-only set of rules. Declaration order decides
// which rule wins when a file name contains more than one token.
type Table struct {
	rules []Rule
}

// NewTable validates the rules and returns a table holding private copies of them.
func NewTable(rules ...Rule) (*Table, error) {
	var errs []error
	out := make([]Rule, 0, len(rules))

	for i, r := range rules {
		if r.Match == "" {
			errs = append(errs, fmt.Errorf("rule %d: match token is empty", i))
			continue
		}

		addrs := make([]string, 0, len(r.Addresses))
		for _, a := range r.Addresses {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		if len(addrs) == 0 {
			errs = append(errs, fmt.Errorf("rule %d (%q): no addresses", i, r.Match))
			continue
		}

		out = append(out, Rule{Match: r.Match, Addresses: addrs})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Table{rules: out}, nil
}

// Len returns the number of rules in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Rules returns a copy of the rules in declaration order.
func (t *Table) Rules() []Rule {
	if t == nil {
		return nil
	}
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = Rule{Match: r.Match, Addresses: append([]string(nil), r.Addresses...)}
	}
	return out
}

// Match returns the first rule whose token is a case-sensitive substring of fileName.
func (t *Table) Match(fileName string) (Rule, bool) {
	if t == nil {
		return Rule{}, false
	}
	for _, r := range t.rules {
		if strings.Contains(fileName, r.Match) {
			return Rule{Match: r.Match, Addresses: append([]string(nil), r.Addresses...)}, true
		}
	}
	return Rule{}, false
}

// ParseRule parses the compact "Match=addr1;addr2" form used on the command line.
// The match token is everything before the last '=' so tokens may themselves contain '='.
func ParseRule(s string) (Rule, error) {
	i := strings.LastIndex(s, "=")
	if i <= 0 {
		return Rule{}, fmt.Errorf("invalid rule %q: want MATCH=ADDR[;ADDR...]", s)
	}
	r := Rule{
		Match:     strings.TrimSpace(s[:i]),
		Addresses: SplitAddresses(s[i+1:]),
	}
	if r.Match == "" {
		return Rule{}, fmt.Errorf("invalid rule %q: empty match token", s)
	}
	if len(r.Addresses) == 0 {
		return Rule{}, fmt.Errorf("invalid rule %q: no addresses", s)
	}
	return r, nil
}

// DecodeRules reads a JSON array of rules, preserving their order.
func DecodeRules(r io.Reader) ([]Rule, error) {
	var rules []Rule
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return rules, nil
}

// LoadRulesFile reads rules from a JSON file.
func LoadRulesFile(path string) ([]Rule, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("open rules file: %w", err)
	}
	defer func() { _ = f.Close() }()

	rules, err := DecodeRules(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}
