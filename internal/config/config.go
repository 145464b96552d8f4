package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultLanguage    = "python"
	DefaultNetwork     = "codepod"
	DefaultRuntimePort = 8765
)

// Catalog lists the languages a session may spawn kernels for.
type Catalog struct {
	DefaultLanguage string           `toml:"default_language"`
	Network         string           `toml:"network"`
	Languages       []LanguageConfig `toml:"languages"`
}

// LanguageConfig is the container recipe for one kernel language.
type LanguageConfig struct {
	Name         string            `toml:"name"`
	KernelName   string            `toml:"kernel_name"`
	KernelImage  string            `toml:"kernel_image"`
	RuntimeImage string            `toml:"runtime_image"`
	RuntimePort  int               `toml:"runtime_port"`
	Mounts       []string          `toml:"mounts"`
	Env          map[string]string `toml:"env"`
	Cmd          []string          `toml:"cmd"`
	Ports        PortConfig        `toml:"ports"`
}

// PortConfig holds the in-container kernel ports.
type PortConfig struct {
	Shell   int `toml:"shell"`
	IOPub   int `toml:"iopub"`
	Stdin   int `toml:"stdin"`
	Control int `toml:"control"`
	HB      int `toml:"hb"`
}

func DefaultPorts() PortConfig {
	return PortConfig{Shell: 50001, IOPub: 50002, Stdin: 50003, Control: 50004, HB: 50005}
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() Catalog {
	return Catalog{
		DefaultLanguage: DefaultLanguage,
		Network:         DefaultNetwork,
		Languages: []LanguageConfig{
			{
				Name:         "python",
				KernelName:   "python3",
				KernelImage:  "codepod/kernel-python:latest",
				RuntimeImage: "codepod/runtime:latest",
				RuntimePort:  DefaultRuntimePort,
				Ports:        DefaultPorts(),
			},
			{
				Name:        "julia",
				KernelName:  "julia-1.10",
				KernelImage: "codepod/kernel-julia:latest",
				Ports:       DefaultPorts(),
			},
			{
				Name:        "racket",
				KernelName:  "racket",
				KernelImage: "codepod/kernel-racket:latest",
				Ports:       DefaultPorts(),
			},
		},
	}
}

func LoadCatalog(path string) (Catalog, error) {
	var cat Catalog
	if err := loadToml(path, &cat); err != nil {
		return Catalog{}, err
	}
	cat = cat.withDefaults()
	if err := ValidateCatalog(cat); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

func (c Catalog) withDefaults() Catalog {
	if strings.TrimSpace(c.DefaultLanguage) == "" {
		c.DefaultLanguage = DefaultLanguage
	}
	if strings.TrimSpace(c.Network) == "" {
		c.Network = DefaultNetwork
	}
	def := DefaultPorts()
	for i := range c.Languages {
		lang := &c.Languages[i]
		lang.Name = normalizeName(lang.Name)
		if lang.Ports == (PortConfig{}) {
			lang.Ports = def
		}
		if lang.RuntimeImage != "" && lang.RuntimePort == 0 {
			lang.RuntimePort = DefaultRuntimePort
		}
	}
	c.DefaultLanguage = normalizeName(c.DefaultLanguage)
	return c
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateCatalog(c Catalog) error {
	if len(c.Languages) == 0 {
		return fmt.Errorf("catalog has no languages")
	}
	seen := make(map[string]struct{}, len(c.Languages))
	for i, lang := range c.Languages {
		if err := ValidateLanguage(lang); err != nil {
			return fmt.Errorf("languages[%d] invalid: %w", i, err)
		}
		if _, dup := seen[lang.Name]; dup {
			return fmt.Errorf("languages[%d] duplicate name %q", i, lang.Name)
		}
		seen[lang.Name] = struct{}{}
	}
	if _, ok := seen[normalizeName(c.DefaultLanguage)]; !ok {
		return fmt.Errorf("default_language %q not in catalog", c.DefaultLanguage)
	}
	return nil
}

func ValidateLanguage(l LanguageConfig) error {
	name := normalizeName(l.Name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return fmt.Errorf("name %q must be lowercase alphanumeric", l.Name)
		}
	}
	if strings.TrimSpace(l.KernelImage) == "" {
		return fmt.Errorf("kernel_image is required")
	}
	p := l.Ports
	for label, port := range map[string]int{"shell": p.Shell, "iopub": p.IOPub} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("ports.%s %d out of range", label, port)
		}
	}
	if p.Shell == p.IOPub || (p.Control != 0 && (p.Control == p.Shell || p.Control == p.IOPub)) {
		return fmt.Errorf("ports must be distinct")
	}
	for _, m := range l.Mounts {
		if !strings.Contains(m, ":") {
			return fmt.Errorf("mount %q must be host:container[:mode]", m)
		}
	}
	return nil
}

// Language returns the named language, matching case-insensitively.
func (c Catalog) Language(name string) (LanguageConfig, bool) {
	name = normalizeName(name)
	if name == "" {
		name = normalizeName(c.DefaultLanguage)
	}
	for _, lang := range c.Languages {
		if lang.Name == name {
			return lang, true
		}
	}
	return LanguageConfig{}, false
}

// Names returns every language name, sorted.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.Languages))
	for _, lang := range c.Languages {
		names = append(names, lang.Name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
