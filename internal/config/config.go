// Package config implements the `.wit/config` INI-style file (spec.md §6
// "On-disk layout"): `[section]` and `[section "subsection"]` headers,
// `key = value` lines, `#`/`;` comments, one of the layout's
// compatibility-critical pieces.
//
// No example repo in the corpus ships a general-purpose or third-party
// INI library (cuemby-warren's only config-adjacent dependency is
// go-toml, a different format, and indirect) — git config's own grammar
// is small enough, and load-bearing enough for on-disk compatibility,
// that this package follows the teacher's own style for small
// string-parsing helpers (util.go: split2/headtail, one function per
// grammar rule, explicit error return) rather than reaching for an
// unrelated format's library.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lab.nexedi.com/kirr/wit/internal/werr"
)

// Section is one [name] or [name "sub"] block's ordered key/value pairs.
type Section struct {
	Name, Subsection string
	Keys             map[string]string
	order            []string
}

func newSection(name, sub string) *Section {
	return &Section{Name: name, Subsection: sub, Keys: map[string]string{}}
}

func (s *Section) set(key, value string) {
	if _, exists := s.Keys[key]; !exists {
		s.order = append(s.order, key)
	}
	s.Keys[key] = value
}

// Config is the parsed contents of one .wit/config file.
type Config struct {
	sections []*Section
}

// New returns an empty config, for building one programmatically before
// Save.
func New() *Config { return &Config{} }

func (c *Config) find(name, sub string) *Section {
	for _, s := range c.sections {
		if s.Name == name && s.Subsection == sub {
			return s
		}
	}
	return nil
}

// Section returns the named section (creating it if absent) — remotes
// are stored as `[remote "origin"]`, so name="remote", sub="origin".
func (c *Config) Section(name, sub string) *Section {
	if s := c.find(name, sub); s != nil {
		return s
	}
	s := newSection(name, sub)
	c.sections = append(c.sections, s)
	return s
}

// Sections returns every section with the given name (e.g. all
// `[remote "..."]` blocks), in file order.
func (c *Config) Sections(name string) []*Section {
	var out []*Section
	for _, s := range c.sections {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// RemoveSection drops the [name "sub"] section, if present — used by
// `remote remove` (spec.md §6 configuration surface `remote.<name>.*`).
func (c *Config) RemoveSection(name, sub string) {
	out := c.sections[:0]
	for _, s := range c.sections {
		if s.Name == name && s.Subsection == sub {
			continue
		}
		out = append(out, s)
	}
	c.sections = out
}

// Get looks up name.sub.key (sub may be "" for a bare [name] section),
// returning ok=false if the section or key is absent.
func (c *Config) Get(name, sub, key string) (string, bool) {
	s := c.find(name, sub)
	if s == nil {
		return "", false
	}
	v, ok := s.Keys[key]
	return v, ok
}

// Load parses path, returning an empty Config (not an error) if the file
// does not exist yet — a freshly initialized repository has no config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, werr.Wrap(werr.IOError, err, "config: read %s", path)
	}
	return Parse(string(data))
}

// Parse decodes INI-style text into a Config.
func Parse(text string) (*Config, error) {
	c := New()
	var cur *Section
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			name, sub, err := parseHeader(line)
			if err != nil {
				return nil, werr.Wrap(werr.InvalidArgument, err, "config: line %d", lineNo)
			}
			cur = c.Section(name, sub)
			continue
		}
		if cur == nil {
			return nil, werr.New(werr.InvalidArgument, "config: line %d: key outside any section", lineNo)
		}
		key, value, err := parseKeyValue(line)
		if err != nil {
			return nil, werr.Wrap(werr.InvalidArgument, err, "config: line %d", lineNo)
		}
		cur.set(key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, werr.Wrap(werr.IOError, err, "config: scan")
	}
	return c, nil
}

// parseHeader decodes "[name]" or `[name "sub"]`.
func parseHeader(line string) (name, sub string, err error) {
	if !strings.HasSuffix(line, "]") {
		return "", "", fmt.Errorf("malformed section header %q", line)
	}
	inner := line[1 : len(line)-1]
	if i := strings.IndexByte(inner, '"'); i >= 0 {
		name = strings.TrimSpace(inner[:i])
		rest := inner[i+1:]
		j := strings.LastIndexByte(rest, '"')
		if j < 0 {
			return "", "", fmt.Errorf("malformed subsection in %q", line)
		}
		sub = rest[:j]
		return name, sub, nil
	}
	return strings.TrimSpace(inner), "", nil
}

// parseKeyValue decodes "key = value", trimming surrounding whitespace
// on both sides (git config also allows bare boolean keys with no "=";
// this core always writes a value, so that form isn't accepted on read).
func parseKeyValue(line string) (key, value string, err error) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", fmt.Errorf("missing '=' in %q", line)
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), nil
}

// Save serializes c and writes it to path via temp+rename, the same
// atomicity guarantee every other piece of repository metadata gets
// (refs.Store.writeAtomic, objstore's create-only object writes).
func (c *Config) Save(path string) error {
	var b strings.Builder
	for _, s := range c.sections {
		if s.Subsection != "" {
			fmt.Fprintf(&b, "[%s \"%s\"]\n", s.Name, s.Subsection)
		} else {
			fmt.Fprintf(&b, "[%s]\n", s.Name)
		}
		for _, k := range s.order {
			fmt.Fprintf(&b, "\t%s = %s\n", k, s.Keys[k])
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp_config_")
	if err != nil {
		return werr.Wrap(werr.IOError, err, "config: create temp for %s", path)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "config: write temp for %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "config: close temp for %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "config: rename temp for %s", path)
	}
	return nil
}
