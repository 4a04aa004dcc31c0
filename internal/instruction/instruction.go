package instruction

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type identifies the kind of work an instruction carries. Values match
// the server's wire encoding.
type Type int

const (
	PolicySet    Type = 1
	ShellCommand Type = 2
	ConfigUpdate Type = 3
)

func (t Type) String() string {
	switch t {
	case PolicySet:
		return "PolicySet"
	case ShellCommand:
		return "ShellCommand"
	case ConfigUpdate:
		return "ConfigUpdate"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Matches reports whether name refers to t. Both the type name and the
// payload discriminator are accepted, case-insensitively.
func (t Type) Matches(name string) bool {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, t.String()) {
		return true
	}
	if kind, ok := kindOf[t]; ok && strings.EqualFold(name, kind) {
		return true
	}
	return name == fmt.Sprint(int(t))
}

// Instruction is one unit of remote work. ID is the server's correlation id.
type Instruction struct {
	ID      int64
	Type    Type
	Payload Payload
}

type wireInstruction struct {
	ID      int64           `json:"associatedId"`
	Type    json.RawMessage `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (i Instruction) MarshalJSON() ([]byte, error) {
	payload, err := EncodePayload(i.Payload)
	if err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(i.Type)
	return json.Marshal(wireInstruction{ID: i.ID, Type: kind, Payload: payload})
}

// UnmarshalJSON fails only when the envelope or its id is unreadable. A
// type or payload that does not decode yields an InvalidPayload so the
// instruction can still be answered.
func (i *Instruction) UnmarshalJSON(data []byte) error {
	var wire wireInstruction
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*i = Instruction{ID: wire.ID}
	if len(wire.Type) > 0 {
		if err := json.Unmarshal(wire.Type, &i.Type); err != nil {
			i.Payload = InvalidPayload{
				Raw:    append(json.RawMessage(nil), wire.Payload...),
				Reason: fmt.Sprintf("instruction type: %v", err),
			}
			return nil
		}
	}
	i.Payload = ParsePayload(i.Type, wire.Payload)
	return nil
}

// Result is the outcome of executing one instruction. Error is set iff
// Success is false.
type Result struct {
	InstructionID int64  `json:"associatedId"`
	Success       bool   `json:"success"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
}

func Succeeded(id int64, output string) Result {
	return Result{InstructionID: id, Success: true, Output: output}
}

func Failed(id int64, output, errMsg string) Result {
	if strings.TrimSpace(errMsg) == "" {
		errMsg = "unknown error"
	}
	return Result{InstructionID: id, Success: false, Output: output, Error: errMsg}
}

// IDs returns the ids of instrs in order.
func IDs(instrs []Instruction) []int64 {
	ids := make([]int64, len(instrs))
	for i, instr := range instrs {
		ids[i] = instr.ID
	}
	return ids
}

// ResultIDs returns the instruction ids of results in order.
func ResultIDs(results []Result) []int64 {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.InstructionID
	}
	return ids
}
