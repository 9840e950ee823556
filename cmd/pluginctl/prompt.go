package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// prompter asks the operator yes/no questions. Anything but an explicit
// yes is a no.
type prompter struct {
	in  io.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, out: out}
}

// interactive reports whether the input is a terminal.
func (p *prompter) interactive() bool {
	f, ok := p.in.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func (p *prompter) confirm(question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/n]: ", question)

	scanner := bufio.NewScanner(p.in)
	if scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, io.EOF
}
