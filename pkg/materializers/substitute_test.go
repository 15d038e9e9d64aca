package materializers

import (
	"encoding/json"
	"testing"

	"github.com/openfroyo/deployer/pkg/engine"
)

func TestReplaceInTemplate(t *testing.T) {
	dctx := engine.NewDeploymentContext()
	dctx.Seed("grp1234567890", "newgroup", map[string]interface{}{"name": "Field Crew"})
	dctx.SeedSolutionFacts(map[string]interface{}{
		"orgUrl": "https://org.example.com",
		"extent": []interface{}{1.0, 2.0},
		"portal": map[string]interface{}{"name": "Acme"},
	})

	raw := json.RawMessage(`{
		"id": "{{grp1234567890.itemId}}",
		"name": "{{grp1234567890.name}}",
		"link": "{{orgUrl}}/home/group.html?id={{grp1234567890.itemId}}",
		"extent": "{{extent}}",
		"owner": "{{portal.name}}",
		"missing": "{{unknown.itemId}}",
		"nested": [{"ref": "{{ grp1234567890.itemId }}"}]
	}`)

	out, err := ReplaceInTemplate(raw, dctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("Output is not valid JSON: %v", err)
	}

	tests := map[string]interface{}{
		"id":      "newgroup",
		"name":    "Field Crew",
		"link":    "https://org.example.com/home/group.html?id=newgroup",
		"owner":   "Acme",
		"missing": "{{unknown.itemId}}",
	}
	for key, want := range tests {
		if got[key] != want {
			t.Errorf("%s = %v, want %v", key, got[key], want)
		}
	}

	if extent, ok := got["extent"].([]interface{}); !ok || len(extent) != 2 {
		t.Errorf("Expected extent to keep its array type, got %v", got["extent"])
	}
	nested := got["nested"].([]interface{})[0].(map[string]interface{})
	if nested["ref"] != "newgroup" {
		t.Errorf("Expected nested ref newgroup, got %v", nested["ref"])
	}
}

func TestReplaceInTemplate_PreservesNumbers(t *testing.T) {
	dctx := engine.NewDeploymentContext()
	dctx.Seed("layer", "created-layer", nil)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "large integers without placeholders",
			raw:  `{"objectId": 9007199254740993, "big": 12345678901234567890}`,
			want: `{"big":12345678901234567890,"objectId":9007199254740993}`,
		},
		{
			name: "numbers next to placeholders",
			raw:  `{"ref": "{{layer.itemId}}", "ids": [9007199254740993, 1.50, -0.0001e-7]}`,
			want: `{"ids":[9007199254740993,1.50,-0.0001e-7],"ref":"created-layer"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ReplaceInTemplate(json.RawMessage(tt.raw), dctx)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if string(out) != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, out)
			}
		})
	}
}

func TestReplaceInTemplate_TrailingData(t *testing.T) {
	if _, err := ReplaceInTemplate(json.RawMessage(`{"a": 1} {"b": 2}`), engine.NewDeploymentContext()); err == nil {
		t.Error("Expected error for data after the document")
	}
}

func TestReplaceInItem_ResolvesOnlyDependencies(t *testing.T) {
	dctx := engine.NewDeploymentContext()
	dctx.SeedSolutionFacts(map[string]interface{}{"orgUrl": "https://org.example.com"})
	dctx.Register("layer")
	dctx.Register("other")
	dctx.Seed("layer", "created-layer", nil)
	dctx.Seed("other", "created-other", nil)

	tmpl := &engine.ItemTemplate{ItemID: "map", Dependencies: []string{"layer"}}
	raw := json.RawMessage(`{"layer": "{{layer.itemId}}", "other": "{{other.itemId}}", "url": "{{orgUrl}}"}`)

	out, err := ReplaceInItem(raw, tmpl, dctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := `{"layer":"created-layer","other":"{{other.itemId}}","url":"https://org.example.com"}`
	if string(out) != want {
		t.Errorf("Expected %s, got %s", want, out)
	}
}

func TestReplaceInTemplate_Empty(t *testing.T) {
	out, err := ReplaceInTemplate(nil, engine.NewDeploymentContext())
	if err != nil || out != nil {
		t.Errorf("Expected nil payload to pass through, got %s, %v", out, err)
	}
}

func TestReplaceInString(t *testing.T) {
	dctx := engine.NewDeploymentContext()
	dctx.Seed("abc", "xyz", nil)

	if got := ReplaceInString("item {{abc.itemId}}", dctx); got != "item xyz" {
		t.Errorf("Expected 'item xyz', got %q", got)
	}
}
