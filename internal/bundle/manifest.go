package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/amplifier-run/amplifier/internal/logging"
)

// manifestFileYAML is the primary on-disk bundle descriptor; a bundle
// directory not declaring one isn't a bundle at all.
const manifestFileYAML = "amplifier.yaml"

// manifestFileJSONC is the legacy format some older opencode-derived
// bundles still ship, kept readable (with // and /* */ comments
// stripped) for backward compatibility rather than forcing a rewrite.
const manifestFileJSONC = "amplifier.jsonc"

// manifestDoc mirrors a bundle manifest's on-disk shape: the same
// nested mount-plan structure ParseMountPlan expects, plus the
// module-id -> relative-path table and mention namespace table that
// become Bundle.Modules/Mentions once resolved against basePath.
type manifestDoc struct {
	Name      string                 `yaml:"name" json:"name"`
	MountPlan map[string]any         `yaml:"mount_plan" json:"mount_plan"`
	Modules   map[string]string      `yaml:"modules" json:"modules"`
	Mentions  map[string]string      `yaml:"mentions" json:"mentions"`
	Includes  []manifestIncludeEntry `yaml:"includes" json:"includes"`
}

type manifestIncludeEntry struct {
	URI     string `yaml:"uri" json:"uri"`
	Mutable bool   `yaml:"mutable" json:"mutable"`
}

// Load materializes the bundle rooted at basePath: it reads the
// manifest (amplifier.yaml, falling back to the legacy amplifier.jsonc),
// resolves module paths against basePath, and discovers any
// Markdown+YAML-frontmatter agent definitions under an "agents"
// subdirectory. It does not fetch includes -- callers walk
// Bundle.Includes and call Load again per included source, then
// Compose the results themselves.
func Load(basePath string) (Bundle, error) {
	doc, err := readManifest(basePath)
	if err != nil {
		return Bundle{}, err
	}

	b := Bundle{
		Name:      firstNonEmptyStr(doc.Name, filepath.Base(basePath)),
		BasePath:  basePath,
		MountPlan: doc.MountPlan,
		Modules:   resolveRelativePaths(basePath, doc.Modules),
		Mentions:  resolveRelativePaths(basePath, doc.Mentions),
	}
	for _, inc := range doc.Includes {
		kind := KindImmutable
		if inc.Mutable {
			kind = KindMutable
		}
		b.Includes = append(b.Includes, Source{URI: inc.URI, Kind: kind})
	}

	agents, err := loadAgentDefinitions(filepath.Join(basePath, "agents"))
	if err != nil {
		return Bundle{}, fmt.Errorf("loading bundle %q agents: %w", b.Name, err)
	}
	b.Agents = agents

	return b, nil
}

func readManifest(basePath string) (manifestDoc, error) {
	var doc manifestDoc

	yamlPath := filepath.Join(basePath, manifestFileYAML)
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return doc, fmt.Errorf("parsing %s: %w", yamlPath, err)
		}
		return doc, nil
	}

	jsoncPath := filepath.Join(basePath, manifestFileJSONC)
	data, err := os.ReadFile(jsoncPath)
	if err != nil {
		return doc, fmt.Errorf("bundle %q has no %s or %s", basePath, manifestFileYAML, manifestFileJSONC)
	}
	logging.Logger.Debug().Str("path", jsoncPath).Msg("reading legacy jsonc bundle manifest")
	stripped := jsonc.ToJSON(data)
	if err := yaml.Unmarshal(stripped, &doc); err != nil {
		return doc, fmt.Errorf("parsing %s: %w", jsoncPath, err)
	}
	return doc, nil
}

func resolveRelativePaths(basePath string, rel map[string]string) map[string]string {
	if rel == nil {
		return nil
	}
	resolved := make(map[string]string, len(rel))
	for id, p := range rel {
		if filepath.IsAbs(p) {
			resolved[id] = p
			continue
		}
		resolved[id] = filepath.Join(basePath, p)
	}
	return resolved
}

// loadAgentDefinitions reads every Markdown file directly under dir as
// an AgentDefinition: a "---"-delimited YAML frontmatter block holding
// the overlay mount-plan fragment, followed by a free-text description.
// A missing directory is not an error -- most bundles declare no agents
// of their own, inheriting whatever the including bundle provides.
func loadAgentDefinitions(dir string) ([]AgentDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var defs []AgentDefinition
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		def, err := parseAgentMarkdown(strings.TrimSuffix(name, ".md"), data)
		if err != nil {
			return nil, fmt.Errorf("parsing agent %q: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parseAgentMarkdown(name string, data []byte) (AgentDefinition, error) {
	def := AgentDefinition{Name: name}

	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		def.Description = strings.TrimSpace(text)
		return def, nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return def, fmt.Errorf("unterminated frontmatter block")
	}
	frontmatter := rest[:end]
	body := strings.TrimSpace(rest[end+len("\n---"):])

	var fm struct {
		Description string         `yaml:"description"`
		Overlay     map[string]any `yaml:"overlay"`
	}
	if err := yaml.Unmarshal([]byte(frontmatter), &fm); err != nil {
		return def, fmt.Errorf("parsing frontmatter: %w", err)
	}

	def.Description = firstNonEmptyStr(fm.Description, body)
	def.Overlay = fm.Overlay
	return def, nil
}

func firstNonEmptyStr(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
