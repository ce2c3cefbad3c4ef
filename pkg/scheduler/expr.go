package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/cuemby/controllerd/pkg/types"
)

// FeatureExpr is a parsed constraint expression: feature atoms combined
// with & (AND), | (OR), bracket-scoped XAND groups with a mandatory node
// count, and parenthesized grouping. Evaluation is left-to-right with &
// and | at equal precedence, matching the historical contract: only
// parentheses disambiguate.
type FeatureExpr interface {
	// Eval returns, against candidates (indexed by types.Node.Index),
	// the active bitmap (nodes that already satisfy the atom without a
	// reboot) and the avail bitmap (active, plus nodes that could
	// satisfy it via a changeable-feature reboot).
	Eval(candidates []*types.Node, n int) (active, avail *bitmap.Bitmap, err error)

	// AltGroups returns the exclusive-or alternative groups this
	// expression defines for node-set feature-bit assignment (spec
	// §4.3.1 step 2, §4.3.2 MOR/XAND). Expressions with no bracket-scoped
	// alternative return a single group with Bit 0 ("no exclusive
	// alternative") and Count 0 ("nothing mandatory"); node-set
	// construction never restricts membership by a Bit-0 group.
	AltGroups(candidates []*types.Node, n int) ([]AltGroup, error)
}

// AltGroup is one exclusive-or alternative a bracket-scoped expression
// defines: the candidate nodes satisfying it and, for XAND/MOR, the
// mandatory node count a final selection must carry from this group
// (Count 0 means no count was specified).
type AltGroup struct {
	Bit    uint64
	Active *bitmap.Bitmap
	Avail  *bitmap.Bitmap
	Count  int
}

// Atom is a single feature name with an optional count (feature*N).
type Atom struct {
	Name  string
	Count int // 0 means "no explicit count"
}

func (a *Atom) Eval(candidates []*types.Node, n int) (*bitmap.Bitmap, *bitmap.Bitmap, error) {
	active := bitmap.New(n)
	avail := bitmap.New(n)
	for _, node := range candidates {
		if node == nil {
			continue
		}
		if containsFeature(node.FeaturesActive, a.Name) {
			active.Set(node.Index)
			avail.Set(node.Index)
		} else if containsFeature(node.FeaturesAvailable, a.Name) && containsFeature(node.FeaturesChangeable, a.Name) {
			avail.Set(node.Index)
		}
	}
	return active, avail, nil
}

// AltGroups for a bare atom is a single unconstrained group: a count
// outside bracket scope is advisory only (spec Design Notes §9, "counts
// outside are advisory"), so a.Count is not enforced here.
func (a *Atom) AltGroups(candidates []*types.Node, n int) ([]AltGroup, error) {
	active, avail, err := a.Eval(candidates, n)
	if err != nil {
		return nil, err
	}
	return []AltGroup{{Active: active, Avail: avail}}, nil
}

func containsFeature(list []string, name string) bool {
	for _, f := range list {
		if f == name {
			return true
		}
	}
	return false
}

// And is a left-to-right conjunction of terms.
type And struct{ Terms []FeatureExpr }

func (e *And) Eval(candidates []*types.Node, n int) (*bitmap.Bitmap, *bitmap.Bitmap, error) {
	if len(e.Terms) == 0 {
		return bitmap.New(n), bitmap.New(n), nil
	}
	active, avail, err := e.Terms[0].Eval(candidates, n)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range e.Terms[1:] {
		ta, tv, err := t.Eval(candidates, n)
		if err != nil {
			return nil, nil, err
		}
		active = active.And(ta)
		avail = avail.And(tv)
	}
	return active, avail, nil
}

// AltGroups for And, like Eval, introduces no exclusivity: every term
// must hold at once, so the conjunction contributes a single
// unconstrained group.
func (e *And) AltGroups(candidates []*types.Node, n int) ([]AltGroup, error) {
	active, avail, err := e.Eval(candidates, n)
	if err != nil {
		return nil, err
	}
	return []AltGroup{{Active: active, Avail: avail}}, nil
}

// Or is a left-to-right disjunction of terms.
type Or struct{ Terms []FeatureExpr }

func (e *Or) Eval(candidates []*types.Node, n int) (*bitmap.Bitmap, *bitmap.Bitmap, error) {
	active := bitmap.New(n)
	avail := bitmap.New(n)
	for _, t := range e.Terms {
		ta, tv, err := t.Eval(candidates, n)
		if err != nil {
			return nil, nil, err
		}
		active = active.Or(ta)
		avail = avail.Or(tv)
	}
	return active, avail, nil
}

// AltGroups for a bare (non-bracket-scoped) Or is likewise unconstrained:
// exclusive-or alternatives only arise inside [ ] scope (spec §4.3.2,
// "term := atom | '(' expr ')' | '[' expr ']'" — brackets are the only
// alternative scope).
func (e *Or) AltGroups(candidates []*types.Node, n int) ([]AltGroup, error) {
	active, avail, err := e.Eval(candidates, n)
	if err != nil {
		return nil, err
	}
	return []AltGroup{{Active: active, Avail: avail}}, nil
}

// Bracket is an XAND scope: the wrapped expression must be satisfied by
// exactly Count nodes, or the whole bracket contributes nothing.
type Bracket struct {
	Inner FeatureExpr
	Count int
}

func (e *Bracket) Eval(candidates []*types.Node, n int) (*bitmap.Bitmap, *bitmap.Bitmap, error) {
	active, avail, err := e.Inner.Eval(candidates, n)
	if err != nil {
		return nil, nil, err
	}
	if e.Count > 0 && avail.Count() != e.Count {
		return bitmap.New(n), bitmap.New(n), nil
	}
	return active, avail, nil
}

// AltGroups realizes the XAND/MOR alternative split (spec §4.3.1 step 2,
// §4.3.2): "XAND requires exactly N nodes satisfying the atom; MOR
// selects one atom whose N nodes are all homogeneous." A bracket wrapping
// a flat OR of counted atoms — `[gpu*1|fpga*1]` — becomes one group per
// atom, each carrying its own mandatory count and a distinct bit so
// node-set construction and PickBestNodes can tell which alternative a
// node belongs to and enforce its count independently. A bracket wrapping
// a single atom — `[gpu*2]` — is the degenerate one-alternative case.
// Anything else (nested expr, AND inside brackets) falls back to the
// whole-bracket total Eval already enforces, with no per-alternative
// split.
func (e *Bracket) AltGroups(candidates []*types.Node, n int) ([]AltGroup, error) {
	if or, ok := e.Inner.(*Or); ok && len(or.Terms) > 0 && allAtoms(or.Terms) {
		groups := make([]AltGroup, 0, len(or.Terms))
		for i, t := range or.Terms {
			atom := t.(*Atom)
			active, avail, err := atom.Eval(candidates, n)
			if err != nil {
				return nil, err
			}
			groups = append(groups, AltGroup{Bit: 1 << uint(i+1), Active: active, Avail: avail, Count: atom.Count})
		}
		return groups, nil
	}
	if atom, ok := e.Inner.(*Atom); ok {
		active, avail, err := atom.Eval(candidates, n)
		if err != nil {
			return nil, err
		}
		return []AltGroup{{Bit: 1, Active: active, Avail: avail, Count: atom.Count}}, nil
	}
	active, avail, err := e.Eval(candidates, n)
	if err != nil {
		return nil, err
	}
	return []AltGroup{{Bit: 1, Active: active, Avail: avail}}, nil
}

func allAtoms(terms []FeatureExpr) bool {
	for _, t := range terms {
		if _, ok := t.(*Atom); !ok {
			return false
		}
	}
	return true
}

// collectAltGroups walks expr for bracket-scoped alternative groups: a
// Bracket contributes its AltGroups directly, an And threads through its
// terms (every term must hold, including any bracket among them), and
// anything else contributes nothing further — its eligibility is already
// folded into the expression's own Eval() avail bitmap, it just defines
// no exclusive alternative of its own.
func collectAltGroups(expr FeatureExpr, candidates []*types.Node, n int) ([]AltGroup, error) {
	switch e := expr.(type) {
	case *Bracket:
		return e.AltGroups(candidates, n)
	case *And:
		var groups []AltGroup
		for _, t := range e.Terms {
			g, err := collectAltGroups(t, candidates, n)
			if err != nil {
				return nil, err
			}
			groups = append(groups, g...)
		}
		return groups, nil
	default:
		return nil, nil
	}
}

// ParseFeatureExpr parses a constraint string like "gpu&[fast*2]|legacy"
// into a FeatureExpr. Grammar (equal-precedence &/|, left-to-right):
//
//	expr   := term (('&'|'|') term)*
//	term   := atom | '(' expr ')' | '[' expr ']' ('*' NUMBER)?
//	atom   := NAME ('*' NUMBER)?
func ParseFeatureExpr(s string) (FeatureExpr, error) {
	p := &exprParser{input: s}
	p.skipSpace()
	if p.input == "" {
		return &And{}, nil
	}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.input != "" {
		return nil, fmt.Errorf("scheduler: unexpected trailing input %q", p.input)
	}
	return expr, nil
}

type exprParser struct{ input string }

func (p *exprParser) skipSpace() { p.input = strings.TrimLeft(p.input, " \t") }

func (p *exprParser) parseExpr() (FeatureExpr, error) {
	var terms []FeatureExpr
	var ops []byte

	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	terms = append(terms, first)

	for {
		p.skipSpace()
		if p.input == "" || (p.input[0] != '&' && p.input[0] != '|') {
			break
		}
		ops = append(ops, p.input[0])
		p.input = p.input[1:]
		p.skipSpace()
		t, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}

	if len(terms) == 1 {
		return terms[0], nil
	}

	// Left-to-right, equal precedence: fold pairwise in encounter order.
	result := terms[0]
	for i, op := range ops {
		rhs := terms[i+1]
		if op == '&' {
			result = &And{Terms: []FeatureExpr{result, rhs}}
		} else {
			result = &Or{Terms: []FeatureExpr{result, rhs}}
		}
	}
	return result, nil
}

func (p *exprParser) parseTerm() (FeatureExpr, error) {
	p.skipSpace()
	if p.input == "" {
		return nil, fmt.Errorf("scheduler: unexpected end of expression")
	}

	switch p.input[0] {
	case '(':
		p.input = p.input[1:]
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.input == "" || p.input[0] != ')' {
			return nil, fmt.Errorf("scheduler: expected ')'")
		}
		p.input = p.input[1:]
		return inner, nil
	case '[':
		p.input = p.input[1:]
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.input == "" || p.input[0] != ']' {
			return nil, fmt.Errorf("scheduler: expected ']'")
		}
		p.input = p.input[1:]
		count := 0
		if strings.HasPrefix(p.input, "*") {
			p.input = p.input[1:]
			n, rest, err := parseNumber(p.input)
			if err != nil {
				return nil, err
			}
			count = n
			p.input = rest
		}
		return &Bracket{Inner: inner, Count: count}, nil
	default:
		return p.parseAtom()
	}
}

func (p *exprParser) parseAtom() (FeatureExpr, error) {
	i := 0
	for i < len(p.input) && !strings.ContainsRune("&|()[]* \t", rune(p.input[i])) {
		i++
	}
	if i == 0 {
		return nil, fmt.Errorf("scheduler: expected feature name near %q", p.input)
	}
	name := p.input[:i]
	p.input = p.input[i:]

	count := 0
	if strings.HasPrefix(p.input, "*") {
		p.input = p.input[1:]
		n, rest, err := parseNumber(p.input)
		if err != nil {
			return nil, err
		}
		count = n
		p.input = rest
	}
	return &Atom{Name: name, Count: count}, nil
}

func parseNumber(s string) (int, string, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, s, fmt.Errorf("scheduler: expected a number near %q", s)
	}
	n, err := strconv.Atoi(s[:i])
	return n, s[i:], err
}
