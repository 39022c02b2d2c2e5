package deploy

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Requirement is a single package constraint from a pip requirements file.
type Requirement struct {
	// Name is the distribution name, e.g. "anthropic".
	Name string
	// Specifier is everything after the name: extras, version constraints and markers.
	Specifier string
	// Line is the 1-based line number in the manifest.
	Line int
}

// String renders the requirement back into pip syntax.
func (r Requirement) String() string {
	return r.Name + r.Specifier
}

// Manifest is a parsed dependency manifest.
type Manifest struct {
	// Path is where the manifest was read from.
	Path string
	// Requirements are the package lines in file order.
	Requirements []Requirement
	// Includes are lines pip expands into packages on its own: nested
	// requirement and constraint files, editable installs and local paths.
	Includes []string
}

// includeOptions are pip options whose argument contributes packages.
var includeOptions = map[string]bool{
	"-r":            true,
	"--requirement": true,
	"-c":            true,
	"--constraint":  true,
	"-e":            true,
	"--editable":    true,
}

// IsEmpty reports whether the manifest gives pip nothing to install.
func (m *Manifest) IsEmpty() bool {
	return len(m.Requirements) == 0 && len(m.Includes) == 0
}

// Names returns requirement names in file order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		names = append(names, r.Name)
	}

	return names
}

// ParseManifest reads pip requirements syntax. Comments and blank lines are
// skipped. Include lines (-r, -c, -e and local paths) are kept verbatim in
// Includes; other options (--index-url, ...) are left to pip.
func ParseManifest(path string, r io.Reader) (*Manifest, error) {
	manifest := &Manifest{Path: path}
	scanner := bufio.NewScanner(r)
	lineNumber := 0

	var continued strings.Builder

	for scanner.Scan() {
		lineNumber++

		line := scanner.Text()
		if strings.HasSuffix(line, `\`) {
			continued.WriteString(strings.TrimSuffix(line, `\`))
			continue
		}

		if continued.Len() > 0 {
			continued.WriteString(line)
			line = continued.String()
			continued.Reset()
		}

		if include, ok := parseIncludeLine(line); ok {
			manifest.Includes = append(manifest.Includes, include)
			continue
		}

		requirement, ok := parseRequirementLine(line)
		if !ok {
			continue
		}

		requirement.Line = lineNumber
		manifest.Requirements = append(manifest.Requirements, requirement)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}

	return manifest, nil
}

// parseIncludeLine returns the trimmed line when it names another source of packages.
func parseIncludeLine(line string) (string, bool) {
	line = stripComment(line)

	switch {
	case strings.HasPrefix(line, "--"):
		option, _, _ := strings.Cut(line, "=")
		option, _, _ = strings.Cut(option, " ")

		return line, includeOptions[option]
	case strings.HasPrefix(line, "-") && len(line) >= 2: //nolint:mnd // Short options are two characters.
		return line, includeOptions[line[:2]]
	case strings.HasPrefix(line, "."), strings.HasPrefix(line, "/"):
		return line, true
	default:
		return "", false
	}
}

func stripComment(line string) string {
	if idx := strings.Index(line, " #"); idx >= 0 {
		line = line[:idx]
	}

	return strings.TrimSpace(line)
}

func parseRequirementLine(line string) (Requirement, bool) {
	line = stripComment(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
		return Requirement{}, false
	}

	end := strings.IndexFunc(line, func(r rune) bool {
		return !isNameRune(r)
	})
	if end == 0 {
		return Requirement{}, false
	}

	if end < 0 {
		end = len(line)
	}

	return Requirement{
		Name:      line[:end],
		Specifier: strings.TrimSpace(line[end:]),
	}, true
}

func isNameRune(r rune) bool {
	return r == '-' || r == '_' || r == '.' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
