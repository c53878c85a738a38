package graphapi

import "fmt"

// Built-in variants.
const (
	VariantWan22T2V = "wan22_t2v"
	VariantWan22I2V = "wan22_i2v"
	VariantWan21T2V = "wan21_t2v"
	VariantWan21I2V = "wan21_i2v"
)

type wanGeneration struct {
	tag    string // "2.2"
	prefix string // "wan22"
	width  int
	height int
	steps  int
	cfg    float64
}

var (
	wan22 = wanGeneration{tag: "2.2", prefix: "wan22", width: 1280, height: 720, steps: 30, cfg: 7.5}
	wan21 = wanGeneration{tag: "2.1", prefix: "wan21", width: 832, height: 480, steps: 25, cfg: 7.0}
)

func node(class string, inputs map[string]Value) PromptNode {
	return PromptNode{ClassType: class, Inputs: inputs}
}

func wanTextToVideo(g wanGeneration) map[string]PromptNode {
	return map[string]PromptNode{
		"1": node("CLIPTextEncode", map[string]Value{"text": Lit("prompt goes here"), "clip": Ref("4", 1)}),
		"2": node("EmptyLatentImage", map[string]Value{"width": Lit(g.width), "height": Lit(g.height), "batch_size": Lit(1)}),
		"3": node("KSampler", map[string]Value{
			"seed": Lit(42), "steps": Lit(g.steps), "cfg": Lit(g.cfg),
			"sampler_name": Lit("euler"), "scheduler": Lit("normal"), "denoise": Lit(1.0),
			"model": Ref("5", 0), "positive": Ref("1", 0), "negative": Ref("6", 0), "latent_image": Ref("2", 0),
		}),
		"4": node("CLIPLoader", map[string]Value{"clip_name": Lit(fmt.Sprintf("wan%s_text_encoder.safetensors", g.tag))}),
		"5": node("UNETLoader", map[string]Value{"unet_name": Lit(fmt.Sprintf("wan%s_t2v_unet.safetensors", g.tag))}),
		"6": node("CLIPTextEncode", map[string]Value{"text": Lit(""), "clip": Ref("4", 1)}),
		"7": node("VAELoader", map[string]Value{"vae_name": Lit(fmt.Sprintf("wan%s_vae.safetensors", g.tag))}),
		"8": node("VAEDecode", map[string]Value{"samples": Ref("3", 0), "vae": Ref("7", 0)}),
		"9": node("VHS_VideoCombine", map[string]Value{"filename_prefix": Lit(g.prefix + "_video_"), "fps": Lit(24), "images": Ref("8", 0)}),
	}
}

func wanImageToVideo(g wanGeneration) map[string]PromptNode {
	return map[string]PromptNode{
		"1": node("LoadImage", map[string]Value{"image": Lit("input.png"), "upload": Lit("image")}),
		"2": node("CLIPTextEncode", map[string]Value{"text": Lit("prompt goes here"), "clip": Ref("5", 1)}),
		"3": node("KSampler", map[string]Value{
			"seed": Lit(42), "steps": Lit(g.steps), "cfg": Lit(g.cfg),
			"sampler_name": Lit("euler"), "scheduler": Lit("normal"), "denoise": Lit(0.8),
			"model": Ref("6", 0), "positive": Ref("2", 0), "negative": Ref("7", 0), "latent_image": Ref("4", 0),
		}),
		"4":  node("VAEEncode", map[string]Value{"pixels": Ref("1", 0), "vae": Ref("8", 0)}),
		"5":  node("CLIPLoader", map[string]Value{"clip_name": Lit(fmt.Sprintf("wan%s_text_encoder.safetensors", g.tag))}),
		"6":  node("UNETLoader", map[string]Value{"unet_name": Lit(fmt.Sprintf("wan%s_i2v_unet.safetensors", g.tag))}),
		"7":  node("CLIPTextEncode", map[string]Value{"text": Lit(""), "clip": Ref("5", 1)}),
		"8":  node("VAELoader", map[string]Value{"vae_name": Lit(fmt.Sprintf("wan%s_vae.safetensors", g.tag))}),
		"9":  node("VAEDecode", map[string]Value{"samples": Ref("3", 0), "vae": Ref("8", 0)}),
		"10": node("VHS_VideoCombine", map[string]Value{"filename_prefix": Lit(g.prefix + "_i2v_"), "fps": Lit(24), "images": Ref("9", 0)}),
	}
}

// DefaultRegistry returns a registry holding the built-in Wan 2.1 and 2.2 templates,
// with "t2v" and "i2v" aliased to the 2.2 variants.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	builtins := []struct {
		variant string
		nodes   map[string]PromptNode
	}{
		{VariantWan22T2V, wanTextToVideo(wan22)},
		{VariantWan22I2V, wanImageToVideo(wan22)},
		{VariantWan21T2V, wanTextToVideo(wan21)},
		{VariantWan21I2V, wanImageToVideo(wan21)},
	}
	for _, b := range builtins {
		t, err := NewGraphTemplate(b.variant, b.nodes)
		if err != nil {
			// built-in graphs are constants; failing here is a programming error
			panic(err)
		}
		if err := r.Register(b.variant, t); err != nil {
			panic(err)
		}
	}
	if err := r.Alias("t2v", VariantWan22T2V); err != nil {
		panic(err)
	}
	if err := r.Alias("i2v", VariantWan22I2V); err != nil {
		panic(err)
	}
	return r
}
