//go:build windows

package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/windows/registry"

	"github.com/shafraz007/endpoint-agent/internal/instruction"
)

// RegistryPolicyWriter writes policies into the Windows registry. Machine
// scope maps to HKLM and user scope to HKCU.
type RegistryPolicyWriter struct{}

func (RegistryPolicyWriter) SetPolicy(ctx context.Context, p instruction.PolicySetPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	root := registry.LOCAL_MACHINE
	if p.Scope == instruction.ScopeUser {
		root = registry.CURRENT_USER
	}

	key, _, err := registry.CreateKey(root, p.Path, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open key %s: %w", p.Path, err)
	}
	defer key.Close()

	switch p.ValueType {
	case instruction.ValueExpandString:
		err = key.SetExpandStringValue(p.Name, p.Value)
	case instruction.ValueMultiString:
		err = key.SetStringsValue(p.Name, strings.Split(p.Value, "\n"))
	case instruction.ValueDword:
		var v uint64
		if v, err = strconv.ParseUint(strings.TrimSpace(p.Value), 0, 32); err == nil {
			err = key.SetDWordValue(p.Name, uint32(v))
		}
	case instruction.ValueQword:
		var v uint64
		if v, err = strconv.ParseUint(strings.TrimSpace(p.Value), 0, 64); err == nil {
			err = key.SetQWordValue(p.Name, v)
		}
	default:
		err = key.SetStringValue(p.Name, p.Value)
	}
	if err != nil {
		return fmt.Errorf("set %s\\%s: %w", p.Path, p.Name, err)
	}
	return nil
}

// DefaultPolicyWriter returns the registry writer. dir is unused here.
func DefaultPolicyWriter(dir string) PolicyWriter {
	return RegistryPolicyWriter{}
}
