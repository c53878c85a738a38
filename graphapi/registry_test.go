package graphapi

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()

	want := []string{VariantWan21I2V, VariantWan21T2V, VariantWan22I2V, VariantWan22T2V}
	got := reg.Variants()
	if len(got) != len(want) {
		t.Fatalf("Variants() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Variants()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	tests := []struct {
		variant   string
		canonical string
		image     bool
	}{
		{"t2v", VariantWan22T2V, false},
		{"I2V", VariantWan22I2V, true},
		{" wan21_t2v ", VariantWan21T2V, false},
		{"wan21_i2v", VariantWan21I2V, true},
	}
	for _, tt := range tests {
		t.Run(tt.variant, func(t *testing.T) {
			canonical, err := reg.Resolve(tt.variant)
			if err != nil {
				t.Fatal(err)
			}
			if canonical != tt.canonical {
				t.Errorf("Resolve = %s, want %s", canonical, tt.canonical)
			}
			tmpl, err := reg.Template(tt.variant)
			if err != nil {
				t.Fatal(err)
			}
			if tmpl.ImageConditioned() != tt.image {
				t.Errorf("ImageConditioned = %v, want %v", tmpl.ImageConditioned(), tt.image)
			}
		})
	}
}

func TestRegistryUnknownVariant(t *testing.T) {
	_, err := DefaultRegistry().Template("sdxl")
	if !errors.IsCode(err, errors.CodeUnknownVariant) {
		t.Fatalf("expected UNKNOWN_VARIANT, got %v", err)
	}
	if errors.GetFields(err)["model_type"] != "sdxl" {
		t.Errorf("fields = %v", errors.GetFields(err))
	}
}

func TestRegistryRegisterAndAlias(t *testing.T) {
	reg := NewRegistry()
	tmpl, _ := NewGraphTemplate("a", textGraph())

	if err := reg.Register("a", tmpl); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("A", tmpl); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := reg.Alias("b", "missing"); !errors.IsCode(err, errors.CodeUnknownVariant) {
		t.Errorf("expected alias to unknown variant to fail, got %v", err)
	}
	if err := reg.Alias("a", "a"); err == nil {
		t.Error("expected alias shadowing a variant to fail")
	}
	if err := reg.Alias("b", "a"); err != nil {
		t.Fatal(err)
	}
	if got, _ := reg.Template("b"); got != tmpl {
		t.Error("alias did not resolve to registered template")
	}
	if reg.Aliases()["b"] != "a" {
		t.Errorf("Aliases() = %v", reg.Aliases())
	}
}

func pngWithText(t *testing.T, chunks map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(pngSignature)

	writeChunk := func(typ string, data []byte) {
		binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		buf.WriteString(typ)
		buf.Write(data)
		crc := crc32.NewIEEE()
		crc.Write([]byte(typ))
		crc.Write(data)
		binary.Write(&buf, binary.BigEndian, crc.Sum32())
	}

	writeChunk("IHDR", []byte{0, 0, 0, 1, 0, 0, 0, 1, 8, 2, 0, 0, 0})
	for k, v := range chunks {
		writeChunk("tEXt", append(append([]byte(k), 0), v...))
	}
	writeChunk("IEND", nil)
	return buf.Bytes()
}

func TestGetPngMetadata(t *testing.T) {
	data := pngWithText(t, map[string]string{"prompt": "{}", "workflow": "{\"nodes\":[]}"})

	chunks, err := GetPngMetadata(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if chunks["prompt"] != "{}" || chunks["workflow"] != "{\"nodes\":[]}" {
		t.Errorf("chunks = %v", chunks)
	}

	if _, err := GetPngMetadata(bytes.NewReader([]byte("GIF89a.."))); err == nil {
		t.Error("expected error for non-PNG input")
	}
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()

	graph, err := json.Marshal(wanImageToVideo(wan21))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Custom_I2V.json"), graph, 0o644); err != nil {
		t.Fatal(err)
	}
	png := pngWithText(t, map[string]string{"prompt": string(mustJSON(t, textGraph()))})
	if err := os.WriteFile(filepath.Join(dir, "from_png.png"), png, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	added, err := reg.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(added) != 2 || added[0] != "custom_i2v" || added[1] != "from_png" {
		t.Fatalf("added = %v", added)
	}

	tmpl, err := reg.Template("custom_i2v")
	if err != nil {
		t.Fatal(err)
	}
	if !tmpl.ImageConditioned() || tmpl.PositiveEncoderID() != "2" {
		t.Errorf("custom_i2v: image=%v positive=%s", tmpl.ImageConditioned(), tmpl.PositiveEncoderID())
	}
}

func TestRegistryLoadDirRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	g := textGraph()
	g["8"].Inputs["vae"] = Ref("42", 0)
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), mustJSON(t, g), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewRegistry().LoadDir(dir)
	if !errors.IsCode(err, errors.CodeInvalidTemplate) {
		t.Errorf("expected INVALID_TEMPLATE, got %v", err)
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
