package core

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"path"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"github.com/xingchen-labs/emotion-companion/internal/logging"
)

const manifestFile = "manifest.yaml"

// KnowledgeFile names one knowledge base file (without the .json suffix)
// and the label shown for its citations.
type KnowledgeFile struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label"`
}

var DefaultKnowledgeFiles = []KnowledgeFile{
	{Name: "emotion", Label: "情绪陪伴"},
	{Name: "empathy", Label: "共情回应"},
	{Name: "comfort", Label: "安慰支持"},
	{Name: "motivation", Label: "激励鼓励"},
}

type manifest struct {
	Files []KnowledgeFile `yaml:"files"`
}

// KnowledgeBase is built once and never mutated afterwards, so it can be
// shared by concurrent requests without locking.
type KnowledgeBase struct {
	items  []KnowledgeItem
	files  []KnowledgeFile
	counts map[string]int
	kbName map[string]string
	labels map[string]string
}

// LoadKnowledgeBase reads the knowledge files from fsys. Missing files are
// skipped; malformed ones are logged and skipped. A manifest.yaml at the
// root, when present, replaces the default file list.
func LoadKnowledgeBase(ctx context.Context, fsys fs.FS) *KnowledgeBase {
	logger := logging.From(ctx)
	files := loadManifest(ctx, fsys)

	kb := &KnowledgeBase{
		files:  files,
		counts: make(map[string]int, len(files)),
		kbName: make(map[string]string),
		labels: make(map[string]string, len(files)),
	}
	for _, f := range files {
		if f.Label != "" {
			kb.labels[f.Name] = f.Label
		}
	}

	for _, f := range files {
		items, err := readKnowledgeFile(fsys, f.Name+".json")
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			logger.Warn("skipping malformed knowledge file", "file", f.Name, "error", err)
			continue
		}

		added := 0
		for _, item := range items {
			if _, dup := kb.kbName[item.ID]; dup {
				logger.Warn("skipping duplicate knowledge item", "id", item.ID, "file", f.Name)
				continue
			}
			kb.kbName[item.ID] = f.Name
			kb.items = append(kb.items, item)
			added++
		}
		kb.counts[f.Name] = added
		logger.Info("loaded knowledge file", "file", f.Name, "items", added)
	}

	logger.Info("knowledge base ready", "items", len(kb.items))
	return kb
}

func loadManifest(ctx context.Context, fsys fs.FS) []KnowledgeFile {
	raw, err := fs.ReadFile(fsys, manifestFile)
	if err != nil {
		return DefaultKnowledgeFiles
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		logging.From(ctx).Warn("ignoring malformed knowledge manifest", "error", err)
		return DefaultKnowledgeFiles
	}
	if len(m.Files) == 0 {
		return DefaultKnowledgeFiles
	}

	defaults := make(map[string]string, len(DefaultKnowledgeFiles))
	for _, f := range DefaultKnowledgeFiles {
		defaults[f.Name] = f.Label
	}
	for i, f := range m.Files {
		if f.Label == "" {
			m.Files[i].Label = defaults[f.Name]
		}
	}
	return m.Files
}

func readKnowledgeFile(fsys fs.FS, name string) ([]KnowledgeItem, error) {
	raw, err := fs.ReadFile(fsys, path.Clean(name))
	if err != nil {
		return nil, err
	}
	var items []KnowledgeItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, goerr.Wrap(err, "failed to decode knowledge file", goerr.V("file", name))
	}
	return items, nil
}

// Items returns the loaded items in discovery order. The slice must not be
// modified.
func (kb *KnowledgeBase) Items() []KnowledgeItem {
	return kb.items
}

func (kb *KnowledgeBase) Len() int {
	return len(kb.items)
}

// Files lists the configured knowledge files, loaded or not.
func (kb *KnowledgeBase) Files() []KnowledgeFile {
	return kb.files
}

// Count is the number of items loaded from the named file.
func (kb *KnowledgeBase) Count(name string) int {
	return kb.counts[name]
}

// KBName returns the file an item was loaded from, or "unknown".
func (kb *KnowledgeBase) KBName(id string) string {
	if name, ok := kb.kbName[id]; ok {
		return name
	}
	return "unknown"
}

// Label maps a knowledge base name to its display label, falling back to
// the name itself.
func (kb *KnowledgeBase) Label(name string) string {
	if label, ok := kb.labels[name]; ok {
		return label
	}
	return name
}
