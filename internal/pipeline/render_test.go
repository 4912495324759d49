package pipeline

import "testing"

func TestRenderAttributeAccess(t *testing.T) {
	env := map[string]any{"v": 2}
	out, err := Render(map[string]string{"x": "{{ v }}"}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["x"] != "2" {
		t.Fatalf("expected \"2\", got %q", out["x"])
	}
}

func TestRenderFilters(t *testing.T) {
	env := map[string]any{"name": "ada"}
	cases := map[string]string{
		"{{ name | upper }}":        "ADA",
		"{{ name | title }}":        "Ada",
		"{{ name | length }}":       "3",
		"{{ missing | default(0) }}": "0",
	}
	for tmpl, want := range cases {
		env["missing"] = ""
		out, err := Render(map[string]string{"f": tmpl}, env)
		if err != nil {
			t.Fatalf("render %q: %v", tmpl, err)
		}
		if out["f"] != want {
			t.Errorf("render %q: got %q, want %q", tmpl, out["f"], want)
		}
	}
}

func TestRenderConditionalExpression(t *testing.T) {
	env := map[string]any{"n": 5}
	out, err := Render(map[string]string{"f": "{{ n > 3 ? \"big\" : \"small\" }}"}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["f"] != "big" {
		t.Fatalf("expected \"big\", got %q", out["f"])
	}
}

func TestRenderIdempotent(t *testing.T) {
	env := map[string]any{"v": 7}
	tmpl := map[string]string{"x": "{{ v }}"}
	first, err := Render(tmpl, env)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Render(tmpl, env)
	if err != nil {
		t.Fatal(err)
	}
	if first["x"] != second["x"] {
		t.Fatalf("rendering is not idempotent: %q != %q", first["x"], second["x"])
	}
}
