package capability

import "testing"

func TestParseConstraint(t *testing.T) {
	tests := []struct {
		spec   string
		params map[string]interface{}
		ok     bool
	}{
		{"<=1000", map[string]interface{}{"v": 999.0}, true},
		{"<=1000", map[string]interface{}{"v": 1001.0}, false},
		{">=0", map[string]interface{}{"v": 0.0}, true},
		{"<10", map[string]interface{}{"v": 10.0}, false},
		{">5", map[string]interface{}{"v": 6.0}, true},
		{"==active", map[string]interface{}{"v": "active"}, true},
		{"==active", map[string]interface{}{"v": "inactive"}, false},
		{"==true", map[string]interface{}{"v": true}, true},
		{"==42", map[string]interface{}{"v": 42.0}, true},
		{"!=deprecated", map[string]interface{}{"v": "current"}, true},
		{"startswith:/api/", map[string]interface{}{"v": "/api/users"}, true},
		{"endswith:.json", map[string]interface{}{"v": "data.txt"}, false},
		{"contains:SELECT", map[string]interface{}{"v": "SELECT * FROM t"}, true},
		{"in:usd,eur", map[string]interface{}{"v": "eur"}, true},
		{"in:usd,eur", map[string]interface{}{"v": "gbp"}, false},
		{"not_in:DELETE,DROP", map[string]interface{}{"v": "SELECT"}, true},
		{"exists", map[string]interface{}{"v": 1.0}, true},
		{"exists", map[string]interface{}{}, false},
		{"not_exists", map[string]interface{}{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			c, err := ParseConstraint("v", tt.spec)
			if err != nil {
				t.Fatalf("ParseConstraint(%q): %v", tt.spec, err)
			}
			v := c.Evaluate(tt.params)
			if (v == nil) != tt.ok {
				t.Errorf("spec %q on %v: violation=%v, want ok=%v", tt.spec, tt.params, v, tt.ok)
			}
		})
	}
}

func TestParseConstraintErrors(t *testing.T) {
	if _, err := ParseConstraint("v", "~~banana"); err == nil {
		t.Error("garbage spec should not parse")
	}
	if _, err := ParseConstraint("v", "<=true"); err == nil {
		t.Error("ordered comparison against a boolean should not parse")
	}
}

func TestParseAllowedValues(t *testing.T) {
	c := ParseAllowedValues("currency", []interface{}{"usd", "eur"})
	if v := c.Evaluate(map[string]interface{}{"currency": "usd"}); v != nil {
		t.Errorf("usd should be allowed: %v", v)
	}
	if v := c.Evaluate(map[string]interface{}{"currency": "gbp"}); v == nil {
		t.Error("gbp should be denied")
	}
}
