package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shafraz007/endpoint-agent/internal/fileutil"
	"github.com/shafraz007/endpoint-agent/internal/instruction"
)

// PolicyValue is one stored policy entry.
type PolicyValue struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// PolicyDocument maps key path to value name to value for one scope.
type PolicyDocument map[string]map[string]PolicyValue

// FilePolicyWriter keeps policies as one YAML document per scope under a
// directory. It is the default on hosts without a policy registry.
type FilePolicyWriter struct {
	dir string
	mu  sync.Mutex
}

func NewFilePolicyWriter(dir string) *FilePolicyWriter {
	return &FilePolicyWriter{dir: dir}
}

func (w *FilePolicyWriter) path(scope string) string {
	return filepath.Join(w.dir, scope+".yaml")
}

func (w *FilePolicyWriter) SetPolicy(ctx context.Context, p instruction.PolicySetPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, err := w.Load(p.Scope)
	if err != nil {
		return err
	}
	if doc[p.Path] == nil {
		doc[p.Path] = map[string]PolicyValue{}
	}
	doc[p.Path][p.Name] = PolicyValue{Type: p.ValueType, Value: p.Value}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s policies: %w", p.Scope, err)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	return fileutil.WriteFileAtomic(w.path(p.Scope), data, 0o644)
}

// Load reads the document for scope. A missing file is an empty document.
func (w *FilePolicyWriter) Load(scope string) (PolicyDocument, error) {
	data, err := os.ReadFile(w.path(scope))
	if errors.Is(err, os.ErrNotExist) {
		return PolicyDocument{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s policies: %w", scope, err)
	}
	doc := PolicyDocument{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s policies: %w", scope, err)
	}
	return doc, nil
}
