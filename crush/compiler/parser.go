package compiler

import (
	"strconv"
)

// parser is a cursor over the token stream. Every failure path produces a
// ParseError pointing at the offending token.
type parser struct {
	file  string
	toks  []token
	lines []string
	pos   int
}

// parseProgram tokenizes and parses a whole source file into its top-level
// constructs, in source order.
func parseProgram(file, src string) ([]Node, error) {
	toks, lines, err := lex(file, src)
	if err != nil {
		return nil, err
	}
	p := &parser{file: file, toks: toks, lines: lines}

	var nodes []Node
	for p.peek().kind != tokEOF {
		tok := p.peek()
		if tok.kind != tokIdent {
			return nil, p.fail()
		}
		var n Node
		switch tok.text {
		case "device":
			n, err = p.device()
		case "type":
			n, err = p.bucketType()
		case "rule":
			n, err = p.rule()
		default:
			n, err = p.bucket()
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// fail builds a ParseError at the current token.
func (p *parser) fail() *ParseError {
	t := p.peek()
	return &ParseError{File: p.file, Line: t.line, Col: t.col, Fragment: fragmentAt(p.lines, t.line, t.col)}
}

func (p *parser) keyword(word string) error {
	if t := p.peek(); t.kind != tokIdent || t.text != word {
		return p.fail()
	}
	p.next()
	return nil
}

func (p *parser) ident() (string, error) {
	if p.peek().kind != tokIdent {
		return "", p.fail()
	}
	return p.next().text, nil
}

func (p *parser) integer() (int32, error) {
	if p.peek().kind != tokInt {
		return 0, p.fail()
	}
	v, err := strconv.ParseInt(p.peek().text, 10, 32)
	if err != nil {
		return 0, p.fail()
	}
	p.next()
	return int32(v), nil
}

func (p *parser) unsigned() (uint32, error) {
	v, err := p.integer()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		p.pos-- // re-point at the negative literal
		return 0, p.fail()
	}
	return uint32(v), nil
}

// float accepts either a float or an int literal.
func (p *parser) float() (float64, error) {
	t := p.peek()
	if t.kind != tokFloat && t.kind != tokInt {
		return 0, p.fail()
	}
	v, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return 0, p.fail()
	}
	p.next()
	return v, nil
}

func (p *parser) brace(kind tokenKind) error {
	if p.peek().kind != kind {
		return p.fail()
	}
	p.next()
	return nil
}

// device := "device" int name [ "offload" float | "load" float | "down" ]
func (p *parser) device() (*DeviceNode, error) {
	line := p.peek().line
	p.next() // device
	id, err := p.integer()
	if err != nil {
		return nil, err
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	n := &DeviceNode{Line: line, ID: id, Name: name}
	switch t := p.peek(); {
	case t.kind == tokIdent && (t.text == "offload" || t.text == "load"):
		n.OffloadTag = t.text
		p.next()
		if n.OffloadVal, err = p.float(); err != nil {
			return nil, err
		}
	case t.kind == tokIdent && t.text == "down":
		n.OffloadTag = "down"
		p.next()
	}
	return n, nil
}

// bucketType := "type" int name
func (p *parser) bucketType() (*TypeNode, error) {
	line := p.peek().line
	p.next() // type
	level, err := p.integer()
	if err != nil {
		return nil, err
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	return &TypeNode{Line: line, Level: level, Name: name}, nil
}

// bucket := typename name "{" ( "id" int | "alg" name | item )* "}"
func (p *parser) bucket() (*BucketNode, error) {
	line := p.peek().line
	typeName, err := p.ident()
	if err != nil {
		return nil, err
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.brace(tokLBrace); err != nil {
		return nil, err
	}
	n := &BucketNode{Line: line, TypeName: typeName, Name: name}
	for p.peek().kind != tokRBrace {
		tag, err := p.ident()
		if err != nil {
			return nil, err
		}
		switch tag {
		case "id":
			if n.ID, err = p.integer(); err != nil {
				return nil, err
			}
		case "alg":
			if n.AlgName, err = p.ident(); err != nil {
				return nil, err
			}
		case "item":
			item, err := p.item()
			if err != nil {
				return nil, err
			}
			n.Items = append(n.Items, *item)
		default:
			p.pos--
			return nil, p.fail()
		}
	}
	p.next() // }
	return n, nil
}

// item := "item" name [ "weight" float ] [ "pos" int ]
func (p *parser) item() (*ItemNode, error) {
	n := &ItemNode{Line: p.toks[p.pos-1].line}
	var err error
	if n.Name, err = p.ident(); err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokIdent {
			return n, nil
		}
		switch t.text {
		case "weight":
			p.next()
			if n.Weight, err = p.float(); err != nil {
				return nil, err
			}
			n.HasWeight = true
		case "pos":
			p.next()
			if n.Pos, err = p.integer(); err != nil {
				return nil, err
			}
			n.HasPos = true
		default:
			return n, nil
		}
	}
}

// rule := "rule" [name] "{" "pool" int "type" name "min_size" int
//         "max_size" int step* "}"
func (p *parser) rule() (*RuleNode, error) {
	line := p.peek().line
	p.next() // rule
	n := &RuleNode{Line: line}
	if p.peek().kind == tokIdent {
		n.Name = p.next().text
	}
	if err := p.brace(tokLBrace); err != nil {
		return nil, err
	}
	var err error
	if err = p.keyword("pool"); err != nil {
		return nil, err
	}
	if n.Pool, err = p.integer(); err != nil {
		return nil, err
	}
	if err = p.keyword("type"); err != nil {
		return nil, err
	}
	if n.TypeName, err = p.ident(); err != nil {
		return nil, err
	}
	if err = p.keyword("min_size"); err != nil {
		return nil, err
	}
	if n.MinSize, err = p.unsigned(); err != nil {
		return nil, err
	}
	if err = p.keyword("max_size"); err != nil {
		return nil, err
	}
	if n.MaxSize, err = p.unsigned(); err != nil {
		return nil, err
	}
	for p.peek().kind != tokRBrace {
		step, err := p.step()
		if err != nil {
			return nil, err
		}
		n.Steps = append(n.Steps, *step)
	}
	p.next() // }
	return n, nil
}

// step := "step" ( "take" name | ("choose"|"chooseleaf") ("firstn"|"indep")
//         int "type" name | "emit" | "noop" )
func (p *parser) step() (*StepNode, error) {
	line := p.peek().line
	if err := p.keyword("step"); err != nil {
		return nil, err
	}
	verb, err := p.ident()
	if err != nil {
		return nil, err
	}
	n := &StepNode{Line: line}
	switch verb {
	case "take":
		n.Kind = StepTake
		if n.Item, err = p.ident(); err != nil {
			return nil, err
		}
	case "choose", "chooseleaf":
		if verb == "choose" {
			n.Kind = StepChoose
		} else {
			n.Kind = StepChooseLeaf
		}
		if n.Mode, err = p.ident(); err != nil {
			return nil, err
		}
		if n.Mode != "firstn" && n.Mode != "indep" {
			p.pos--
			return nil, p.fail()
		}
		if n.N, err = p.integer(); err != nil {
			return nil, err
		}
		if err = p.keyword("type"); err != nil {
			return nil, err
		}
		if n.TypeName, err = p.ident(); err != nil {
			return nil, err
		}
	case "emit":
		n.Kind = StepEmit
	case "noop":
		n.Kind = StepNoop
	default:
		p.pos--
		return nil, p.fail()
	}
	return n, nil
}
