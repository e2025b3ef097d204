// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cliargs validates the positional-first CLI surface shared by
// every process front-end (§6): ordered positional arguments plus
// optional "--name value" arguments. Each optional argument takes exactly
// one value; a multi-value form such as `--burst G I` is not supported.
// Grounded on
// original_source/include/program_arguments.h's bounds-checked argument
// parsers.
package cliargs

import (
	"fmt"
	"strconv"
)

// Result holds one parsed argument's value; only the field set by the
// argument's Parser is meaningful.
type Result struct {
	Int   int
	Float float64
	Str   string
}

// Parser validates and converts a single raw argument string.
type Parser func(raw string) (Result, error)

// IntParser returns a Parser that requires the argument to parse as an
// integer within [low, high], mirroring int_parser<low_bound,up_bound>.
func IntParser(low, high int) Parser {
	return func(raw string) (Result, error) {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Result{}, fmt.Errorf("value %q is not an integer", raw)
		}
		if v < low || v > high {
			return Result{}, fmt.Errorf("value %d is out of bounds, expected between %d and %d", v, low, high)
		}
		return Result{Int: v}, nil
	}
}

// FloatParser returns a Parser that requires the argument to parse as a
// float within [low, high], mirroring flt_parser<low_bound,up_bound>.
func FloatParser(low, high float64) Parser {
	return func(raw string) (Result, error) {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Result{}, fmt.Errorf("value %q is not a number", raw)
		}
		if v < low || v > high {
			return Result{}, fmt.Errorf("value %v is out of bounds, expected between %v and %v", v, low, high)
		}
		return Result{Float: v}, nil
	}
}

// StringParser accepts any value unchanged.
func StringParser(raw string) (Result, error) {
	return Result{Str: raw}, nil
}

// Definition describes one positional or optional ("--name") argument.
type Definition struct {
	Name     string
	Help     string
	Parse    Parser
	Optional bool
}

// ArgParser holds the ordered positional definitions and the name-indexed
// optional ("--flag") definitions for one CLI front-end.
type ArgParser struct {
	positional []Definition
	optional   map[string]Definition
}

// New splits defs into positional and optional groups, preserving the
// order of positional arguments.
func New(defs []Definition) *ArgParser {
	p := &ArgParser{optional: make(map[string]Definition)}
	for _, d := range defs {
		if d.Optional {
			p.optional[d.Name] = d
		} else {
			p.positional = append(p.positional, d)
		}
	}
	return p
}

// Parse validates argv (excluding argv[0]) against the configured
// definitions. Positional arguments must appear in order; "--name"
// arguments may appear anywhere and consume exactly one following value.
// Too few, too many, unrecognized "--name", or an out-of-bounds value
// are all reported with a usage string, matching ProgramArguments::error.
func (p *ArgParser) Parse(argv []string) (map[string]Result, error) {
	results := make(map[string]Result, len(p.positional)+len(p.optional))
	posIdx := 0

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if len(arg) > 2 && arg[0] == '-' && arg[1] == '-' {
			name := arg[2:]
			def, ok := p.optional[name]
			if !ok {
				return nil, p.usageError(fmt.Sprintf("could not parse argument: %s", arg))
			}
			if i+1 >= len(argv) {
				return nil, p.usageError(fmt.Sprintf("--%s requires a value", name))
			}
			i++
			res, err := def.Parse(argv[i])
			if err != nil {
				return nil, p.usageError(err.Error())
			}
			results[name] = res
			continue
		}

		if posIdx >= len(p.positional) {
			return nil, p.usageError("too many arguments")
		}
		def := p.positional[posIdx]
		posIdx++
		res, err := def.Parse(arg)
		if err != nil {
			return nil, p.usageError(err.Error())
		}
		results[def.Name] = res
	}

	if posIdx < len(p.positional) {
		return nil, p.usageError(fmt.Sprintf("too few arguments! require at least %d", len(p.positional)))
	}
	return results, nil
}

func (p *ArgParser) usageError(msg string) error {
	usage := "usage:\n"
	for _, d := range p.positional {
		usage += fmt.Sprintf("  %s: %s\n", d.Name, d.Help)
	}
	for _, d := range p.optional {
		usage += fmt.Sprintf("  --%s: %s\n", d.Name, d.Help)
	}
	return fmt.Errorf("%s\n%s", msg, usage)
}
