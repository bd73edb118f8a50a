package shell

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// splitLines splits on '\n' without producing a trailing empty line.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	s := string(data)
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{""}
	}
	return strings.Split(s, "\n")
}

// gatherInput concatenates the named files, or stdin when no files are given.
func gatherInput(p *proc, files []string) ([]byte, bool) {
	if len(files) == 0 {
		return p.stdin, true
	}
	var out []byte
	for _, f := range files {
		data, err := p.fs.ReadFile(f)
		if err != nil {
			fmt.Fprintf(p.stderr, "%v\n", err)
			return nil, false
		}
		out = append(out, data...)
	}
	return out, true
}

func appletCat(p *proc) int {
	data, ok := gatherInput(p, p.args)
	if !ok {
		return 1
	}
	p.stdout.Write(data)
	return 0
}

func appletEcho(p *proc) int {
	args := p.args
	newline := true
	if len(args) > 0 && args[0] == "-n" {
		newline = false
		args = args[1:]
	}
	p.stdout.WriteString(strings.Join(args, " "))
	if newline {
		p.stdout.WriteByte('\n')
	}
	return 0
}

func appletGrep(p *proc) int {
	var ignoreCase, invert, countOnly bool
	args := p.args
	for len(args) > 0 && strings.HasPrefix(args[0], "-") && args[0] != "-" {
		switch args[0] {
		case "-E":
			// patterns are always compiled as extended regexps
		case "-i":
			ignoreCase = true
		case "-v":
			invert = true
		case "-c":
			countOnly = true
		default:
			fmt.Fprintf(p.stderr, "grep: unknown flag %s\n", args[0])
			return 2
		}
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintf(p.stderr, "grep: missing pattern\n")
		return 2
	}
	pattern := args[0]
	if ignoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		fmt.Fprintf(p.stderr, "grep: invalid pattern: %v\n", err)
		return 2
	}
	data, ok := gatherInput(p, args[1:])
	if !ok {
		return 2
	}
	matched := 0
	for _, line := range splitLines(data) {
		hit := re.MatchString(line)
		if hit != invert {
			matched++
			if !countOnly {
				p.stdout.WriteString(line)
				p.stdout.WriteByte('\n')
			}
		}
	}
	if countOnly {
		fmt.Fprintf(p.stdout, "%d\n", matched)
	}
	if matched == 0 {
		return 1
	}
	return 0
}

// expandTrSet expands a-z style ranges and the usual escapes.
func expandTrSet(s string) []rune {
	var out []rune
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == '\\' && i+1 < len(runes) {
			switch runes[i+1] {
			case 'n':
				out = append(out, '\n')
			case 't':
				out = append(out, '\t')
			case '\\':
				out = append(out, '\\')
			default:
				out = append(out, runes[i+1])
			}
			i++
			continue
		}
		if i+2 < len(runes) && runes[i+1] == '-' && runes[i+2] >= c {
			for r := c; r <= runes[i+2]; r++ {
				out = append(out, r)
			}
			i += 2
			continue
		}
		out = append(out, c)
	}
	return out
}

func appletTr(p *proc) int {
	args := p.args
	del := false
	if len(args) > 0 && args[0] == "-d" {
		del = true
		args = args[1:]
	}
	if del {
		if len(args) != 1 {
			fmt.Fprintf(p.stderr, "tr: -d requires one set\n")
			return 1
		}
		drop := map[rune]bool{}
		for _, r := range expandTrSet(args[0]) {
			drop[r] = true
		}
		for _, r := range string(p.stdin) {
			if !drop[r] {
				p.stdout.WriteRune(r)
			}
		}
		return 0
	}
	if len(args) != 2 {
		fmt.Fprintf(p.stderr, "tr: requires two sets\n")
		return 1
	}
	from := expandTrSet(args[0])
	to := expandTrSet(args[1])
	if len(to) == 0 {
		fmt.Fprintf(p.stderr, "tr: empty replacement set\n")
		return 1
	}
	table := map[rune]rune{}
	for i, r := range from {
		if i < len(to) {
			table[r] = to[i]
		} else {
			table[r] = to[len(to)-1]
		}
	}
	for _, r := range string(p.stdin) {
		if repl, ok := table[r]; ok {
			p.stdout.WriteRune(repl)
		} else {
			p.stdout.WriteRune(r)
		}
	}
	return 0
}

// parseFieldList parses cut-style lists: "1,3", "2-4", "3-".
func parseFieldList(spec string, max int) ([]int, error) {
	seen := map[int]bool{}
	var out []int
	add := func(n int) {
		if n >= 1 && n <= max && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if dash := strings.Index(part, "-"); dash >= 0 {
			loStr, hiStr := part[:dash], part[dash+1:]
			lo := 1
			hi := max
			var err error
			if loStr != "" {
				if lo, err = strconv.Atoi(loStr); err != nil {
					return nil, fmt.Errorf("invalid list %q", spec)
				}
			}
			if hiStr != "" {
				if hi, err = strconv.Atoi(hiStr); err != nil {
					return nil, fmt.Errorf("invalid list %q", spec)
				}
			}
			for n := lo; n <= hi; n++ {
				add(n)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid list %q", spec)
		}
		add(n)
	}
	sort.Ints(out)
	return out, nil
}

func appletCut(p *proc) int {
	delim := "\t"
	var fieldSpec, charSpec string
	args := p.args
	var files []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-d":
			if i+1 >= len(args) {
				fmt.Fprintf(p.stderr, "cut: -d requires an argument\n")
				return 1
			}
			delim = args[i+1]
			i++
		case "-f":
			if i+1 >= len(args) {
				fmt.Fprintf(p.stderr, "cut: -f requires an argument\n")
				return 1
			}
			fieldSpec = args[i+1]
			i++
		case "-c":
			if i+1 >= len(args) {
				fmt.Fprintf(p.stderr, "cut: -c requires an argument\n")
				return 1
			}
			charSpec = args[i+1]
			i++
		default:
			files = append(files, args[i])
		}
	}
	if (fieldSpec == "") == (charSpec == "") {
		fmt.Fprintf(p.stderr, "cut: exactly one of -f or -c is required\n")
		return 1
	}
	data, ok := gatherInput(p, files)
	if !ok {
		return 1
	}
	for _, line := range splitLines(data) {
		if charSpec != "" {
			runes := []rune(line)
			idx, err := parseFieldList(charSpec, len(runes))
			if err != nil {
				fmt.Fprintf(p.stderr, "cut: %v\n", err)
				return 1
			}
			for _, n := range idx {
				p.stdout.WriteRune(runes[n-1])
			}
			p.stdout.WriteByte('\n')
			continue
		}
		fields := strings.Split(line, delim)
		idx, err := parseFieldList(fieldSpec, len(fields))
		if err != nil {
			fmt.Fprintf(p.stderr, "cut: %v\n", err)
			return 1
		}
		parts := make([]string, 0, len(idx))
		for _, n := range idx {
			parts = append(parts, fields[n-1])
		}
		p.stdout.WriteString(strings.Join(parts, delim))
		p.stdout.WriteByte('\n')
	}
	return 0
}

func appletSort(p *proc) int {
	numeric := false
	reverse := false
	keyField := 0
	delim := ""
	args := p.args
	var files []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n":
			numeric = true
		case "-r":
			reverse = true
		case "-k":
			if i+1 >= len(args) {
				fmt.Fprintf(p.stderr, "sort: -k requires an argument\n")
				return 2
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				fmt.Fprintf(p.stderr, "sort: invalid key %q\n", args[i+1])
				return 2
			}
			keyField = n
			i++
		case "-t":
			if i+1 >= len(args) {
				fmt.Fprintf(p.stderr, "sort: -t requires an argument\n")
				return 2
			}
			delim = args[i+1]
			i++
		default:
			files = append(files, args[i])
		}
	}
	data, ok := gatherInput(p, files)
	if !ok {
		return 2
	}
	lines := splitLines(data)

	key := func(line string) string {
		if keyField == 0 {
			return line
		}
		var fields []string
		if delim != "" {
			fields = strings.Split(line, delim)
		} else {
			fields = strings.FieldsFunc(line, unicode.IsSpace)
		}
		if keyField <= len(fields) {
			return fields[keyField-1]
		}
		return ""
	}

	sort.SliceStable(lines, func(i, j int) bool {
		a, b := key(lines[i]), key(lines[j])
		var cmp int
		if numeric {
			an, _ := strconv.ParseFloat(strings.TrimSpace(a), 64)
			bn, _ := strconv.ParseFloat(strings.TrimSpace(b), 64)
			switch {
			case an < bn:
				cmp = -1
			case an > bn:
				cmp = 1
			}
		} else {
			cmp = strings.Compare(a, b)
		}
		if reverse {
			return cmp > 0
		}
		return cmp < 0
	})
	for _, line := range lines {
		p.stdout.WriteString(line)
		p.stdout.WriteByte('\n')
	}
	return 0
}

func appletUniq(p *proc) int {
	count := false
	args := p.args
	var files []string
	for _, a := range args {
		if a == "-c" {
			count = true
		} else {
			files = append(files, a)
		}
	}
	data, ok := gatherInput(p, files)
	if !ok {
		return 1
	}
	lines := splitLines(data)
	i := 0
	for i < len(lines) {
		j := i
		for j < len(lines) && lines[j] == lines[i] {
			j++
		}
		if count {
			fmt.Fprintf(p.stdout, "%7d %s\n", j-i, lines[i])
		} else {
			p.stdout.WriteString(lines[i])
			p.stdout.WriteByte('\n')
		}
		i = j
	}
	return 0
}

func parseLineCount(args []string) (n int, fromStart bool, rest []string, err error) {
	n = 10
	fromStart = false
	for i := 0; i < len(args); i++ {
		if args[i] == "-n" {
			if i+1 >= len(args) {
				return 0, false, nil, fmt.Errorf("-n requires an argument")
			}
			spec := args[i+1]
			if strings.HasPrefix(spec, "+") {
				fromStart = true
				spec = spec[1:]
			}
			n, err = strconv.Atoi(spec)
			if err != nil {
				return 0, false, nil, fmt.Errorf("invalid count %q", args[i+1])
			}
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return n, fromStart, rest, nil
}

func appletHead(p *proc) int {
	n, _, files, err := parseLineCount(p.args)
	if err != nil {
		fmt.Fprintf(p.stderr, "head: %v\n", err)
		return 1
	}
	data, ok := gatherInput(p, files)
	if !ok {
		return 1
	}
	lines := splitLines(data)
	if n < len(lines) {
		lines = lines[:n]
	}
	for _, line := range lines {
		p.stdout.WriteString(line)
		p.stdout.WriteByte('\n')
	}
	return 0
}

func appletTail(p *proc) int {
	n, fromStart, files, err := parseLineCount(p.args)
	if err != nil {
		fmt.Fprintf(p.stderr, "tail: %v\n", err)
		return 1
	}
	data, ok := gatherInput(p, files)
	if !ok {
		return 1
	}
	lines := splitLines(data)
	if fromStart {
		// tail -n +N: print from line N (1-based) to the end
		if n < 1 {
			n = 1
		}
		if n-1 < len(lines) {
			lines = lines[n-1:]
		} else {
			lines = nil
		}
	} else if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	for _, line := range lines {
		p.stdout.WriteString(line)
		p.stdout.WriteByte('\n')
	}
	return 0
}

func appletWc(p *proc) int {
	var wantLines, wantWords, wantBytes bool
	args := p.args
	var files []string
	for _, a := range args {
		switch a {
		case "-l":
			wantLines = true
		case "-w":
			wantWords = true
		case "-c":
			wantBytes = true
		default:
			files = append(files, a)
		}
	}
	if !wantLines && !wantWords && !wantBytes {
		wantLines, wantWords, wantBytes = true, true, true
	}
	data, ok := gatherInput(p, files)
	if !ok {
		return 1
	}
	lineCount := strings.Count(string(data), "\n")
	wordCount := len(strings.Fields(string(data)))
	byteCount := len(data)

	var parts []string
	if wantLines {
		parts = append(parts, strconv.Itoa(lineCount))
	}
	if wantWords {
		parts = append(parts, strconv.Itoa(wordCount))
	}
	if wantBytes {
		parts = append(parts, strconv.Itoa(byteCount))
	}
	p.stdout.WriteString(strings.Join(parts, " "))
	p.stdout.WriteByte('\n')
	return 0
}
