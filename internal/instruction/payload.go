package instruction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shafraz007/endpoint-agent/internal/config"
)

// Payload is the closed set of instruction bodies. Every variant lives in
// this package.
type Payload interface {
	// Kind is the wire discriminator stored under "$type".
	Kind() string
	isPayload()
}

// Validator is implemented by payloads that can check their own fields.
type Validator interface {
	Validate() []string
}

const (
	kindShell  = "shell"
	kindPolicy = "gpo"
	kindConfig = "config"

	discriminator = "$type"

	// DefaultShellTimeoutMillis applies when a shell payload omits its timeout.
	DefaultShellTimeoutMillis = 5000
)

var kindOf = map[Type]string{
	ShellCommand: kindShell,
	PolicySet:    kindPolicy,
	ConfigUpdate: kindConfig,
}

type ShellCommandPayload struct {
	Command string `json:"command"`
	// Timeout in milliseconds.
	Timeout int `json:"timeout"`
}

func (ShellCommandPayload) Kind() string { return kindShell }
func (ShellCommandPayload) isPayload()   {}

func (p ShellCommandPayload) Validate() []string {
	var problems []string
	if strings.TrimSpace(p.Command) == "" {
		problems = append(problems, "The 'Command' field must be a non-empty string.")
	}
	if p.Timeout < 0 {
		problems = append(problems, "The 'Timeout' field must not be negative.")
	}
	return problems
}

// Policy scopes and value types accepted by PolicySetPayload.
const (
	ScopeMachine = "machine"
	ScopeUser    = "user"

	ValueString       = "string"
	ValueExpandString = "expandstring"
	ValueMultiString  = "multistring"
	ValueDword        = "dword"
	ValueQword        = "qword"

	DefaultPolicyPath = `Software\Policies`
)

// PolicySetPayload sets one named policy value under a scope and key path.
type PolicySetPayload struct {
	Scope     string `json:"scope,omitempty"`
	Path      string `json:"path,omitempty"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	ValueType string `json:"valueType,omitempty"`
}

func (PolicySetPayload) Kind() string { return kindPolicy }
func (PolicySetPayload) isPayload()   {}

// Normalized fills in the default scope, path and value type.
func (p PolicySetPayload) Normalized() PolicySetPayload {
	p.Scope = strings.ToLower(strings.TrimSpace(p.Scope))
	if p.Scope == "" {
		p.Scope = ScopeMachine
	}
	p.Path = strings.Trim(strings.TrimSpace(p.Path), `\/`)
	if p.Path == "" {
		p.Path = DefaultPolicyPath
	}
	p.ValueType = strings.ToLower(strings.TrimSpace(p.ValueType))
	if p.ValueType == "" {
		p.ValueType = ValueString
	}
	return p
}

func (p PolicySetPayload) Validate() []string {
	var problems []string
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Value) == "" {
		problems = append(problems, "The 'Name' and 'Value' fields must be non-empty strings.")
	}
	n := p.Normalized()
	switch n.Scope {
	case ScopeMachine, ScopeUser:
	default:
		problems = append(problems, fmt.Sprintf("The 'Scope' field must be one of %s, %s.", ScopeMachine, ScopeUser))
	}
	if strings.Contains(n.Path, "..") {
		problems = append(problems, "The 'Path' field must not contain '..'.")
	}
	switch n.ValueType {
	case ValueString, ValueExpandString, ValueMultiString:
	case ValueDword:
		if _, err := strconv.ParseUint(strings.TrimSpace(p.Value), 0, 32); err != nil && p.Value != "" {
			problems = append(problems, "The 'Value' field must be a 32-bit unsigned integer for dword values.")
		}
	case ValueQword:
		if _, err := strconv.ParseUint(strings.TrimSpace(p.Value), 0, 64); err != nil && p.Value != "" {
			problems = append(problems, "The 'Value' field must be a 64-bit unsigned integer for qword values.")
		}
	default:
		problems = append(problems, fmt.Sprintf("Unsupported value type '%s'.", p.ValueType))
	}
	return problems
}

// ConfigUpdatePayload carries a partial configuration to merge.
type ConfigUpdatePayload struct {
	Config *config.Patch `json:"config"`
}

func (ConfigUpdatePayload) Kind() string { return kindConfig }
func (ConfigUpdatePayload) isPayload()   {}

func (p ConfigUpdatePayload) Validate() []string {
	if p.Config == nil {
		return []string{"The 'Config' field is required."}
	}
	return p.Config.Validate()
}

// UnknownPayload preserves a body the agent has no variant for, so the
// instruction can still be stored and answered with a failed result.
type UnknownPayload struct {
	Discriminator string
	Raw           json.RawMessage
}

func (p UnknownPayload) Kind() string { return p.Discriminator }
func (UnknownPayload) isPayload()     {}

// InvalidPayload is a body that could not be decoded. The instruction is
// kept and answered with a validation failure carrying Reason.
type InvalidPayload struct {
	Discriminator string
	Raw           json.RawMessage
	Reason        string
}

func (p InvalidPayload) Kind() string { return p.Discriminator }
func (InvalidPayload) isPayload()     {}

// EncodePayload renders p as a JSON object tagged with its discriminator.
func EncodePayload(p Payload) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case UnknownPayload:
		return rawOrNull(v.Raw), nil
	case InvalidPayload:
		return rawOrNull(v.Raw), nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Kind(), err)
	}
	tag, _ := json.Marshal(p.Kind())

	var buf bytes.Buffer
	buf.WriteString(`{"` + discriminator + `":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodePayload decodes raw into the variant named by its "$type" field,
// falling back to the variant for t when the field is absent.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var head map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}

	kind := kindOf[t]
	if tag, ok := head[discriminator]; ok {
		if err := json.Unmarshal(tag, &kind); err != nil {
			return nil, fmt.Errorf("payload discriminator: %w", err)
		}
	}

	var (
		payload Payload
		err     error
	)
	switch kind {
	case kindShell:
		p := ShellCommandPayload{Timeout: DefaultShellTimeoutMillis}
		err = json.Unmarshal(trimmed, &p)
		payload = p
	case kindPolicy:
		var p PolicySetPayload
		err = json.Unmarshal(trimmed, &p)
		payload = p
	case kindConfig:
		var p ConfigUpdatePayload
		err = json.Unmarshal(trimmed, &p)
		payload = p
	default:
		return UnknownPayload{Discriminator: kind, Raw: append(json.RawMessage(nil), trimmed...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	return payload, nil
}

// ParsePayload is DecodePayload for untrusted input: a body that does not
// decode comes back as an InvalidPayload instead of an error.
func ParsePayload(t Type, raw json.RawMessage) Payload {
	payload, err := DecodePayload(t, raw)
	if err != nil {
		return InvalidPayload{
			Discriminator: kindOf[t],
			Raw:           append(json.RawMessage(nil), bytes.TrimSpace(raw)...),
			Reason:        err.Error(),
		}
	}
	return payload
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
