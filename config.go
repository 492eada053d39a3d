package tagbatch

import (
	"os"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

// ActionStep is one step of a named action as written in the config file.
type ActionStep struct {
	Function string   `yaml:"function"`
	Args     []string `yaml:"args"`
	Tags     []string `yaml:"tags"`
}

type Config struct {
	Extensions      []string                `yaml:"extensions"`
	ExcludeDirs     []string                `yaml:"exclude_dirs"`
	ExcludePatterns []string                `yaml:"exclude_patterns"`
	BlobTags        []string                `yaml:"blob_tags"`
	SidecarSuffix   string                  `yaml:"sidecar_suffix"`
	LockFileName    string                  `yaml:"lock_file_name"`
	OnError         string                  `yaml:"on_error"`
	Patterns        []string                `yaml:"patterns"`
	Actions         map[string][]ActionStep `yaml:"actions"`
}

func DefaultConfig() *Config {
	return &Config{
		Extensions:      []string{"mp3", "flac", "ogg", "opus", "m4a", "mp4", "wma", "ape", "wv", "mpc"},
		ExcludeDirs:     []string{".git"},
		ExcludePatterns: []string{"**/.*"},
		BlobTags:        []string{"__image", "artwork", "picture", "cover"},
		SidecarSuffix:   ".tags.yaml",
		LockFileName:    ".tagbatch.lock",
		OnError:         "skip",
		Patterns: []string{
			"[artist] - [title]",
			"[track] - [title]",
			"[artist] - [album] - [track] - [title]",
		},
		Actions: map[string][]ActionStep{
			"tidy": {
				{Function: "trim", Tags: []string{KeyAll}},
				{Function: "titlecase", Tags: []string{"artist", "title", "album"}},
			},
			"underscores": {
				{Function: "replace", Args: []string{"_", " "}, Tags: []string{KeyAll}},
			},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	return config, nil
}

// Action builds the named action into a Chain. __all targets are left for
// Chain.Expand.
func (c *Config) Action(name string) (Chain, error) {
	steps, ok := c.Actions[name]
	if !ok {
		return Chain{}, errors.Errorf("unknown action: %s", name)
	}
	return BuildChain(steps)
}

// BuildChain resolves every step against the builtin functions.
func BuildChain(steps []ActionStep) (Chain, error) {
	chain := Chain{}
	for i, step := range steps {
		fn, err := LookupFunction(step.Function, step.Args)
		if err != nil {
			return Chain{}, errors.Errorf("step %d: %w", i+1, err)
		}
		if len(step.Tags) == 0 {
			return Chain{}, errors.Errorf("step %d (%s): no target tags", i+1, step.Function)
		}
		chain.Steps = append(chain.Steps, Step{Function: fn, Targets: step.Tags})
	}
	return chain, nil
}
