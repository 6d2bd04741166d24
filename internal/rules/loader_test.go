package rules

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/TimurManjosov/goautorun/internal/fault"
)

const alertRuleJSON = `{"name":"Display an alert","author":"mgeeky","browser":"ALL","browser_version":"ALL","os":"ALL","os_version":"ALL",
"modules":[{"name":"alert_dialog","condition":null,"options":{"text":"You've been BeEFed ;>"}}],
"execution_order":[0],"execution_delay":[0],"chain_mode":"sequential"}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadBytes_SingleRule(t *testing.T) {
	res := LoadBytes("alert.json", []byte(alertRuleJSON))
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if len(res.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(res.Rules))
	}
	r := res.Rules[0]
	if r.ID != "alert.json#0" {
		t.Errorf("ID = %q", r.ID)
	}
	if r.Modules[0].Name != "alert_dialog" || r.Modules[0].Options["text"] != "You've been BeEFed ;>" {
		t.Errorf("module not decoded: %+v", r.Modules[0])
	}
	if r.Modules[0].Condition != nil {
		t.Errorf("null condition should decode to nil")
	}
	if r.Specificity() != 0 {
		t.Errorf("Specificity() = %d, want 0", r.Specificity())
	}
}

func TestLoadBytes_ArrayKeepsGoodRules(t *testing.T) {
	data := `[
 {"name":"good-1","modules":[{"name":"a"}],"execution_order":[0],"execution_delay":[0]},
 {"name":"mismatch","modules":[{"name":"a"}],"execution_order":[0],"execution_delay":[0,10]},
 {"name":"out-of-range","modules":[{"name":"a"}],"execution_order":[3],"execution_delay":[0]},
 {"name":"good-2","browser":"firefox","modules":[{"name":"b"}],"execution_order":[0],"execution_delay":[100]}
]`
	res := LoadBytes("batch.json", []byte(data))

	if len(res.Rules) != 2 {
		t.Fatalf("expected 2 accepted rules, got %d", len(res.Rules))
	}
	if res.Rules[0].Name != "good-1" || res.Rules[1].Name != "good-2" {
		t.Fatalf("load order not preserved: %q, %q", res.Rules[0].Name, res.Rules[1].Name)
	}
	if res.Rules[1].ID != "batch.json#3" {
		t.Errorf("ID = %q, want batch.json#3", res.Rules[1].ID)
	}

	if len(res.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(res.Errors))
	}
	if res.Errors[0].Index != 1 || res.Errors[0].Name != "mismatch" {
		t.Errorf("first error identifies %d/%q", res.Errors[0].Index, res.Errors[0].Name)
	}
	if !errors.Is(res.Errors[0], ErrInvalidDelay) {
		t.Errorf("mismatch error = %v, want ErrInvalidDelay", res.Errors[0])
	}
	if !errors.Is(res.Errors[1], ErrInvalidOrder) {
		t.Errorf("range error = %v, want ErrInvalidOrder", res.Errors[1])
	}
	for _, e := range res.Errors {
		if fault.KindOf(e) != fault.KindRuleLoad {
			t.Errorf("KindOf(%v) = %v, want RuleLoad", e, fault.KindOf(e))
		}
	}
}

func TestLoadBytes_MissingRequiredField(t *testing.T) {
	res := LoadBytes("r.json", []byte(`{"name":"x","modules":[{"name":"a"}],"execution_order":[0]}`))
	if len(res.Rules) != 0 || len(res.Errors) != 1 {
		t.Fatalf("expected one rejection, got rules=%d errors=%d", len(res.Rules), len(res.Errors))
	}
	if !errors.Is(res.Errors[0], ErrInvalidRule) {
		t.Fatalf("error = %v, want ErrInvalidRule", res.Errors[0])
	}
}

func TestLoadBytes_YAML(t *testing.T) {
	data := `
name: chained
browser: chrome
os: linux
chain_mode: nested-forward
modules:
  - name: get_cookie
  - name: send_cookie
    condition:
      property: previous.success
      operator: "=="
      value: true
    options:
      target: http://collector
execution_order: [0, 1]
execution_delay: [0, 500]
`
	res := LoadBytes("chained.yaml", []byte(data))
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	r := res.Rules[0]
	if r.ChainMode != ChainConditional {
		t.Errorf("ChainMode = %q", r.ChainMode)
	}
	if r.BrowserVersion != Wildcard {
		t.Errorf("missing match field should default to wildcard")
	}
	c := r.Modules[1].Condition
	if c == nil || !c.IsPredicate() || c.Operator != OpEquals || c.Value != true {
		t.Fatalf("condition not decoded: %+v", c)
	}
	if r.Specificity() != 2 {
		t.Errorf("Specificity() = %d, want 2", r.Specificity())
	}
}

func TestLoadBytes_OptionsKeepNumbers(t *testing.T) {
	// 2^53 + 1 is not representable as float64
	data := `{"name":"ids","modules":[{"name":"fetch","options":{"id":9007199254740993,"ratio":0.25}}],
"execution_order":[0],"execution_delay":[0]}`
	res := LoadBytes("ids.json", []byte(data))
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}

	out, err := json.Marshal(res.Rules[0].Modules[0].Options)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if want := `{"id":9007199254740993,"ratio":0.25}`; string(out) != want {
		t.Fatalf("options = %s, want %s", out, want)
	}
}

func TestLoadBytes_YAMLNonStringKeys(t *testing.T) {
	data := `
name: ports
modules:
  - name: port_scanner
    options:
      ports:
        1: tcpmux
        22: ssh
      id: 9007199254740993
execution_order: [0]
execution_delay: [0]
`
	res := LoadBytes("ports.yaml", []byte(data))
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}

	out, err := json.Marshal(res.Rules[0].Modules[0].Options)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if want := `{"id":9007199254740993,"ports":{"1":"tcpmux","22":"ssh"}}`; string(out) != want {
		t.Fatalf("options = %s, want %s", out, want)
	}
}

func TestLoadBytes_Unparseable(t *testing.T) {
	for name, data := range map[string]string{
		"broken.json": `{"name":`,
		"empty.json":  ``,
		"broken.yaml": "name: [unclosed",
	} {
		res := LoadBytes(name, []byte(data))
		if len(res.Errors) != 1 || res.Errors[0].Index != -1 {
			t.Errorf("%s: expected one file-level error, got %+v", name, res.Errors)
		}
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "20-alert.json", alertRuleJSON)
	writeFile(t, dir, "10-bad.json", `{"name":"bad","modules":[],"execution_order":[],"execution_delay":[]}`)
	writeFile(t, dir, "30-chrome.yml", "name: chrome\nbrowser: chrome\nmodules: [{name: x}]\nexecution_order: [0]\nexecution_delay: [0]\n")
	writeFile(t, dir, "README.md", "not a rule")
	writeFile(t, dir, ".hidden.json", alertRuleJSON)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o700); err != nil {
		t.Fatal(err)
	}

	res, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if res.Files != 3 {
		t.Errorf("Files = %d, want 3", res.Files)
	}
	if len(res.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(res.Rules))
	}
	if res.Rules[0].Name != "Display an alert" || res.Rules[1].Name != "chrome" {
		t.Errorf("rules not in file order: %q, %q", res.Rules[0].Name, res.Rules[1].Name)
	}
	if len(res.Errors) != 1 || filepath.Base(res.Errors[0].File) != "10-bad.json" {
		t.Fatalf("expected single error for 10-bad.json, got %v", res.Errors)
	}
}

func TestLoadDir_Missing(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
