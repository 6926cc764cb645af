package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"jobrepo/internal/catalog"
	"jobrepo/internal/domain"
)

func newJob(t *testing.T, ctx *domain.Context, name string) *domain.Object {
	t.Helper()
	job, err := catalog.NewJob(ctx, name)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

func localFile(t *testing.T, ctx *domain.Context, name string) *domain.Object {
	t.Helper()
	f, err := catalog.LocalFile.New(ctx)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	if err := f.Set("name", name); err != nil {
		t.Fatalf("failed to set file name: %v", err)
	}
	return f
}

func roundTrip(t *testing.T, ctx *domain.Context, obj *domain.Object) (*domain.Object, []error) {
	t.Helper()
	data, err := EncodeBytes(obj)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	out, errs, err := NewDecoder(ctx).DecodeBytes(data)
	if err != nil {
		t.Fatalf("decode failed: %v\n%s", err, data)
	}
	return out, errs
}

func TestRoundTrip(t *testing.T) {
	ctx := catalog.NewContext()

	job := newJob(t, ctx, "X")
	_ = job.Set("comment", `quotes " and <tags> & ${braces}`)
	_ = job.Set("inputdata", []any{"c", "a", "b"})
	_ = job.Set("inputfiles", []any{
		localFile(t, ctx, "A"),
		localFile(t, ctx, "B"),
		localFile(t, ctx, "C"),
	})
	app, _ := job.Get("application")
	_ = app.(*domain.Object).Set("env", map[string]any{"PATH": "/bin", "DEPTH": 3})
	be, _ := job.Get("backend")
	_ = be.(*domain.Object).Apply("exitcode", 2)

	out, errs := roundTrip(t, ctx, job)
	if len(errs) != 0 {
		t.Fatalf("unexpected decode errors: %v", errs)
	}
	if !domain.Equal(job, out) {
		t.Error("decoded object differs from original")
	}
	if out.Dirty() {
		t.Error("decoded object should not be dirty")
	}

	t.Run("sequence order preserved", func(t *testing.T) {
		files, _ := out.Get("inputfiles")
		var names []string
		for _, f := range files.([]any) {
			n, _ := f.(*domain.Object).Get("name")
			names = append(names, n.(string))
		}
		if diff := cmp.Diff([]string{"A", "B", "C"}, names); diff != "" {
			t.Errorf("file order changed (-want +got):\n%s", diff)
		}
		data, _ := out.Get("inputdata")
		if diff := cmp.Diff([]any{"c", "a", "b"}, data); diff != "" {
			t.Errorf("inputdata order changed (-want +got):\n%s", diff)
		}
	})

	t.Run("nested objects linked", func(t *testing.T) {
		app, _ := out.Get("application")
		if app.(*domain.Object).Root() != out {
			t.Error("decoded nested object is not linked to its root")
		}
	})

	t.Run("encoding does not mutate", func(t *testing.T) {
		before, _ := EncodeBytes(job)
		after, _ := EncodeBytes(job)
		if !bytes.Equal(before, after) {
			t.Error("encoding twice produced different records")
		}
	})
}

func TestRoundTripKeepsDecomposedStrings(t *testing.T) {
	ctx := catalog.NewContext()
	job := newJob(t, ctx, "cafe\u0301")
	_ = job.Set("inputdata", []any{"e\u0301", "\u00e9"})

	out, errs := roundTrip(t, ctx, job)
	if len(errs) != 0 {
		t.Fatalf("unexpected decode errors: %v", errs)
	}
	name, _ := out.Get("name")
	if name != "cafe\u0301" {
		t.Errorf("name = %+q, want %+q", name, "cafe\u0301")
	}
	if !domain.Equal(job, out) {
		t.Error("decoded object differs from original")
	}
}

func TestEncodeSkipsTransient(t *testing.T) {
	ctx := catalog.NewContext()
	job := newJob(t, ctx, "X")
	_ = job.Set("monitor", "running-handle")

	data, err := EncodeBytes(job)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if strings.Contains(string(data), "monitor") || strings.Contains(string(data), "running-handle") {
		t.Errorf("transient attribute persisted:\n%s", data)
	}
	if !strings.Contains(string(data), `version="2.1"`) {
		t.Errorf("record lacks the schema version:\n%s", data)
	}
}

func TestDecodeNewerRecord(t *testing.T) {
	writer := catalog.NewContext()
	data, err := EncodeBytes(newJob(t, writer, "X"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	old := domain.NewClass(domain.MustSchema(catalog.CategoryJobs, "Job", domain.Version{Major: 2, Minor: 0},
		domain.Simple("name", ""),
	))
	plugins := domain.NewPluginRegistry()
	plugins.MustRegister(old)
	reader := domain.NewContext(domain.WithPlugins(plugins))

	obj, errs, err := NewDecoder(reader).DecodeBytes(data)
	if err != nil {
		t.Fatalf("version mismatch must not be fatal: %v", err)
	}
	if !obj.IsPlaceholder() {
		t.Errorf("expected placeholder, got %s", obj.ClassName())
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	var ve *SchemaVersionError
	if !errors.As(errs[0], &ve) {
		t.Fatalf("expected SchemaVersionError, got %v", errs[0])
	}
	if ve.Stored != (domain.Version{Major: 2, Minor: 1}) || ve.Current != (domain.Version{Major: 2, Minor: 0}) {
		t.Errorf("unexpected versions %s/%s", ve.Stored, ve.Current)
	}
}

func TestDecodeRecoverable(t *testing.T) {
	ctx := catalog.NewContext()

	t.Run("unknown nested plugin", func(t *testing.T) {
		rec := `<root>
 <class name="Job" version="2.1" category="jobs">
  <attribute name="name"><value>"X"</value></attribute>
  <attribute name="application">
   <class name="Missing" version="1.0" category="applications">
    <attribute name="foo"><class name="Deeper" version="1.0" category="x"></class></attribute>
   </class>
  </attribute>
 </class>
</root>`
		obj, errs, err := NewDecoder(ctx).DecodeBytes([]byte(rec))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var pe *domain.PluginResolutionError
		if len(errs) != 1 || !errors.As(errs[0], &pe) {
			t.Fatalf("expected one PluginResolutionError, got %v", errs)
		}
		name, _ := obj.Get("name")
		if name != "X" {
			t.Errorf("expected name X, got %v", name)
		}
		app, _ := obj.Get("application")
		if !app.(*domain.Object).IsPlaceholder() {
			t.Error("expected placeholder application")
		}
	})

	t.Run("stale attribute and missing defaults", func(t *testing.T) {
		rec := `<root><class name="Job" version="2.0" category="jobs">
<attribute name="name"><value>"old"</value></attribute>
<attribute name="removed"><value>1</value></attribute>
</class></root>`
		obj, errs, err := NewDecoder(ctx).DecodeBytes([]byte(rec))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var se *StaleAttributeError
		if len(errs) != 1 || !errors.As(errs[0], &se) || se.Attribute != "removed" {
			t.Fatalf("expected stale attribute error, got %v", errs)
		}
		status, _ := obj.Get("status")
		if status != catalog.StatusNew {
			t.Errorf("missing attribute not defaulted, got %v", status)
		}
		app, _ := obj.Get("application")
		if app.(*domain.Object).ClassName() != "Executable" {
			t.Errorf("missing component not defaulted, got %v", app)
		}
	})

	t.Run("refused value", func(t *testing.T) {
		rec := `<root><class name="Job" version="2.1" category="jobs">
<attribute name="name"><value>42</value></attribute>
</class></root>`
		obj, errs, err := NewDecoder(ctx).DecodeBytes([]byte(rec))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var ae *AttributeValueError
		if len(errs) != 1 || !errors.As(errs[0], &ae) {
			t.Fatalf("expected AttributeValueError, got %v", errs)
		}
		name, _ := obj.Get("name")
		if name != "" {
			t.Errorf("expected default name, got %v", name)
		}
	})
}

func TestDecodeCorrupt(t *testing.T) {
	ctx := catalog.NewContext()

	tests := []struct {
		name   string
		record string
	}{
		{"empty", ``},
		{"truncated", `<root><class name="Job" version="2.1" category="jobs">`},
		{"not xml", `garbage{{`},
		{"empty root", `<root></root>`},
		{"two objects", `<root><class name="Local" version="1.0" category="backends"></class><class name="Local" version="1.0" category="backends"></class></root>`},
		{"bad literal", `<root><class name="Local" version="1.0" category="backends"><attribute name="nice"><value>os.exit(1)</value></attribute></class></root>`},
		{"bad version", `<root><class name="Local" version="one" category="backends"></class></root>`},
		{"unknown element", `<root><blob/></root>`},
		{"attribute without value", `<root><class name="Local" version="1.0" category="backends"><attribute name="nice"></attribute></class></root>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, _, err := NewDecoder(ctx).DecodeBytes([]byte(tt.record))
			if err == nil {
				t.Fatalf("expected error, got object %v", obj)
			}
			if !IsCorrupt(err) {
				t.Errorf("expected CorruptRecordError, got %T: %v", err, err)
			}
		})
	}
}

func TestDecodeCachesLiterals(t *testing.T) {
	ctx := catalog.NewContext()
	data, _ := EncodeBytes(newJob(t, ctx, "X"))

	dec := NewDecoder(ctx)
	for i := 0; i < 3; i++ {
		if _, _, err := dec.DecodeBytes(data); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
	}
	hits, _ := ctx.Literals.Stats()
	if hits == 0 {
		t.Error("expected repeated literals to hit the cache")
	}
}

func TestIndexBlob(t *testing.T) {
	ctx := catalog.NewContext()
	job := newJob(t, ctx, "X")
	be, _ := job.Get("backend")
	_ = be.(*domain.Object).Set("nice", 5)

	blob, err := EncodeIndex(job)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	entry, err := DecodeIndex(blob)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	want := IndexEntry{
		Category:  catalog.CategoryJobs,
		ClassName: "Job",
		Attrs: map[string]any{
			"name":        "X",
			"status":      catalog.StatusNew,
			"application": "Executable",
			"backend":     "Local",
		},
	}
	if diff := cmp.Diff(want, entry); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}

	stub, err := entry.Stub(ctx)
	if err != nil {
		t.Fatalf("stub failed: %v", err)
	}
	if stub.Loaded() {
		t.Error("stub should not be loaded")
	}

	if _, err := DecodeIndex([]byte(`{"category":"jobs"}`)); err == nil {
		t.Error("expected error for index without class name")
	}
	if _, err := DecodeIndex([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed index")
	}
}

func TestExporters(t *testing.T) {
	ctx := catalog.NewContext()
	job := newJob(t, ctx, "X")

	for _, format := range []string{"json", "yaml", "xml"} {
		t.Run(format, func(t *testing.T) {
			exp, ok := ExporterFor(format)
			if !ok {
				t.Fatalf("no exporter for %s", format)
			}
			var buf bytes.Buffer
			if err := exp.Export(job, &buf); err != nil {
				t.Fatalf("export failed: %v", err)
			}
			if !strings.Contains(buf.String(), "Executable") {
				t.Errorf("export lacks nested class:\n%s", buf.String())
			}
		})
	}
}
