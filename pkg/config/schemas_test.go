package config

import (
	"testing"
)

func TestSchemaRegistry_RegisterAndList(t *testing.T) {
	sr := NewSchemaRegistry()

	custom := `
#Layer: {
	itemId: string
	cost:   int & >=1
}
`
	if err := sr.RegisterSchema("layer", "#Layer", custom); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}
	if !sr.HasSchema("layer") {
		t.Fatal("expected layer schema to be registered")
	}

	got := sr.ListSchemas()
	if len(got) != 2 || got[0] != "layer" || got[1] != SchemaSolution {
		t.Errorf("ListSchemas() = %v, want [layer solution]", got)
	}

	if err := sr.ValidateAgainstSchema("layer", map[string]interface{}{"itemId": "a", "cost": 0}); err == nil {
		t.Error("expected cost 0 to violate the layer schema")
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#X", "#X: {"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", "#Y", "#X: {}"); err == nil {
		t.Error("expected missing definition error")
	}
	if err := sr.ValidateAgainstSchema("nope", map[string]interface{}{}); err == nil {
		t.Error("expected unknown schema error")
	}
}

func TestSchemaRegistry_Solution(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr bool
	}{
		{
			name: "minimal",
			data: map[string]interface{}{
				"name":      "parcels",
				"templates": []interface{}{},
			},
		},
		{
			name: "full template with extra fields",
			data: map[string]interface{}{
				"name":    "parcels",
				"version": "1.0",
				"facts":   map[string]interface{}{"region": "eu"},
				"templates": []interface{}{
					map[string]interface{}{
						"itemId":                        "layer",
						"type":                          "Feature Service",
						"dependencies":                  []interface{}{"base"},
						"estimatedDeploymentCostFactor": 3,
						"item":                          map[string]interface{}{"title": "Parcels"},
						"data":                          []interface{}{1, 2},
						"key":                           "ignored but allowed",
					},
				},
			},
		},
		{
			name:    "missing name",
			data:    map[string]interface{}{"templates": []interface{}{}},
			wantErr: true,
		},
		{
			name: "negative cost factor",
			data: map[string]interface{}{
				"name": "x",
				"templates": []interface{}{
					map[string]interface{}{"itemId": "a", "type": "Web Map", "estimatedDeploymentCostFactor": -1},
				},
			},
			wantErr: true,
		},
		{
			name: "empty dependency id",
			data: map[string]interface{}{
				"name": "x",
				"templates": []interface{}{
					map[string]interface{}{"itemId": "a", "type": "Web Map", "dependencies": []interface{}{""}},
				},
			},
			wantErr: true,
		},
		{
			name: "item must be a struct",
			data: map[string]interface{}{
				"name": "x",
				"templates": []interface{}{
					map[string]interface{}{"itemId": "a", "type": "Web Map", "item": "nope"},
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(SchemaSolution, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
