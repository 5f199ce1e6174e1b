package llm

import "testing"

func TestParseRole(t *testing.T) {
	for _, s := range []string{"system", "user", "assistant", "tool"} {
		r, err := ParseRole(s)
		if err != nil {
			t.Errorf("ParseRole(%q): %v", s, err)
		}
		if string(r) != s {
			t.Errorf("ParseRole(%q) = %q", s, r)
		}
	}
	if _, err := ParseRole("oracle"); err == nil {
		t.Error("ParseRole accepted unknown role")
	}
}

func TestRequestValidate(t *testing.T) {
	req := Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	if err := req.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	if err := (&Request{}).Validate(); err == nil {
		t.Error("empty request accepted")
	}
	bad := Request{Messages: []Message{{Role: "oracle", Content: "?"}}}
	if err := bad.Validate(); err == nil {
		t.Error("unknown role accepted")
	}
	neg := Request{Messages: []Message{{Role: RoleUser}}, MaxTokens: -1}
	if err := neg.Validate(); err == nil {
		t.Error("negative max_tokens accepted")
	}
}

func TestRequestClone_IsDeep(t *testing.T) {
	temp := 0.5
	orig := Request{
		Messages: []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "t"}}},
		},
		Temperature: &temp,
	}
	cp := orig.Clone()

	cp.Messages[0].ToolCalls[0].Name = "changed"
	*cp.Temperature = 0.9

	if orig.Messages[0].ToolCalls[0].Name != "t" {
		t.Error("Clone shares tool call storage")
	}
	if *orig.Temperature != 0.5 {
		t.Error("Clone shares temperature pointer")
	}
}

func TestEventKindTerminal(t *testing.T) {
	terminal := map[EventKind]bool{
		EventDone:      true,
		EventError:     true,
		EventCancelled: true,

		EventContentDelta:  false,
		EventToolCallDelta: false,
		EventUsage:         false,
	}
	for kind, want := range terminal {
		if kind.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", kind, kind.Terminal(), want)
		}
	}
}

func TestUsageAdd(t *testing.T) {
	var u Usage
	u.Add(Usage{Input: 2, Output: 3, Total: 5})
	u.Add(Usage{Input: 1, Output: 1, Total: 2})
	if u != (Usage{Input: 3, Output: 4, Total: 7}) {
		t.Errorf("usage = %+v", u)
	}
}
